package llm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hunterwarburton/qnabot/internal/logger"
	"gopkg.in/yaml.v3"
)

const (
	promptFile = "skprompt.txt"
	configFile = "config.yaml"
)

// PromptConfig is the config.yaml next to a prompt template.
type PromptConfig struct {
	Description  string           `yaml:"description"`
	Completion   CompletionConfig `yaml:"completion"`
	Augmentation Augmentation     `yaml:"augmentation"`
}

// CompletionConfig holds sampling options plus how the prompt is assembled.
type CompletionConfig struct {
	CompletionOptions `yaml:",inline"`
	MaxInputTokens    int   `yaml:"max_input_tokens"`
	IncludeHistory    *bool `yaml:"include_history"`
	IncludeInput      *bool `yaml:"include_input"`
}

// Augmentation lists the data sources rendered into the prompt, each with a
// token budget.
type Augmentation struct {
	DataSources map[string]int `yaml:"data_sources"`
}

// PromptTemplate is a loaded prompt folder.
type PromptTemplate struct {
	Name   string
	Text   string
	Config PromptConfig
}

// HistoryEnabled reports whether conversation history is sent. Defaults to true.
func (p *PromptTemplate) HistoryEnabled() bool {
	return p.Config.Completion.IncludeHistory == nil || *p.Config.Completion.IncludeHistory
}

// InputEnabled reports whether the user input is sent. Defaults to true.
func (p *PromptTemplate) InputEnabled() bool {
	return p.Config.Completion.IncludeInput == nil || *p.Config.Completion.IncludeInput
}

// PromptManager loads prompt folders from disk and holds the data sources
// prompts can reference.
type PromptManager struct {
	dir string

	mu          sync.RWMutex
	prompts     map[string]*PromptTemplate
	dataSources map[string]DataSource
}

// NewPromptManager creates a manager reading prompts from dir.
func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{
		dir:         dir,
		prompts:     make(map[string]*PromptTemplate),
		dataSources: make(map[string]DataSource),
	}
}

// AddDataSource registers ds under name. Registering a name twice is an error.
func (pm *PromptManager) AddDataSource(name string, ds DataSource) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, ok := pm.dataSources[name]; ok {
		return fmt.Errorf("data source %q already registered", name)
	}
	pm.dataSources[name] = ds
	logger.LLMDebug("Registered data source %s", name)
	return nil
}

// DataSource returns the data source registered under name.
func (pm *PromptManager) DataSource(name string) (DataSource, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	ds, ok := pm.dataSources[name]
	return ds, ok
}

// GetPrompt returns the named prompt, loading it on first use.
func (pm *PromptManager) GetPrompt(name string) (*PromptTemplate, error) {
	pm.mu.RLock()
	p, ok := pm.prompts[name]
	pm.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := pm.load(name)
	if err != nil {
		return nil, err
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.prompts[name] = p
	return p, nil
}

func (pm *PromptManager) load(name string) (*PromptTemplate, error) {
	folder := filepath.Join(pm.dir, name)

	text, err := os.ReadFile(filepath.Join(folder, promptFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt %s: %w", name, err)
	}

	p := &PromptTemplate{Name: name, Text: strings.TrimSpace(string(text))}

	data, err := os.ReadFile(filepath.Join(folder, configFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.LLMWarn("Prompt %s has no %s, using defaults", name, configFile)
	case err != nil:
		return nil, fmt.Errorf("failed to read prompt config %s: %w", name, err)
	default:
		if err := yaml.Unmarshal(data, &p.Config); err != nil {
			return nil, fmt.Errorf("failed to parse prompt config %s: %w", name, err)
		}
	}

	for ds := range p.Config.Augmentation.DataSources {
		if _, ok := pm.DataSource(ds); !ok {
			logger.LLMWarn("Prompt %s references unregistered data source %s", name, ds)
		}
	}

	logger.LLMInfo("Loaded prompt %s (%d data source(s))", name, len(p.Config.Augmentation.DataSources))
	return p, nil
}
