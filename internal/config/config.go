package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Index backends.
const (
	BackendAzure  = "azure"
	BackendMilvus = "milvus"
	BackendMemory = "memory"
)

// Config represents the application configuration.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Azure    AzureConfig    `yaml:"azure"`
	Index    IndexConfig    `yaml:"index"`
	Milvus   MilvusConfig   `yaml:"milvus"`
	Server   ServerConfig   `yaml:"server"`
	Bot      BotConfig      `yaml:"bot"`
	LogLevel string         `yaml:"log_level"`
}

type TelegramConfig struct {
	Token string `yaml:"token"`
}

// AzureConfig holds the search and model service endpoints.
type AzureConfig struct {
	SearchEndpoint      string `yaml:"search_endpoint"`
	SearchAPIKey        string `yaml:"search_api_key"`
	SearchAPIVersion    string `yaml:"search_api_version"`
	OpenAIEndpoint      string `yaml:"openai_endpoint"`
	OpenAIAPIKey        string `yaml:"openai_api_key"`
	OpenAIAPIVersion    string `yaml:"openai_api_version"`
	EmbeddingDeployment string `yaml:"embedding_deployment"`
	ChatDeployment      string `yaml:"chat_deployment"`
}

type IndexConfig struct {
	Name         string        `yaml:"name"`
	Backend      string        `yaml:"backend"`
	EmbeddingDim int           `yaml:"embedding_dim"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ChunkSize    int           `yaml:"chunk_size"`
	ChunkOverlap int           `yaml:"chunk_overlap"`
	// EmbedRPS throttles embedding calls; zero disables throttling.
	EmbedRPS float64 `yaml:"embed_rps"`
}

type MilvusConfig struct {
	Address string `yaml:"address"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	APIToken string `yaml:"api_token"`
}

type BotConfig struct {
	DownloadsDir     string        `yaml:"downloads_dir"`
	PromptsDir       string        `yaml:"prompts_dir"`
	AdminUserIDs     string        `yaml:"admin_user_ids"`
	AllowedUserIDs   string        `yaml:"allowed_user_ids"`
	MaxDownloadBytes int64         `yaml:"max_download_bytes"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
	HistoryTurns     int           `yaml:"history_turns"`
}

// Default returns the configuration used when neither file nor environment
// sets a value.
func Default() *Config {
	return &Config{
		Azure: AzureConfig{
			SearchAPIVersion: "2024-07-01",
			OpenAIAPIVersion: "2024-10-21",
		},
		Index: IndexConfig{
			Name:         "my-documents",
			Backend:      BackendAzure,
			EmbeddingDim: 1536,
			ReadyTimeout: 30 * time.Second,
			PollInterval: 500 * time.Millisecond,
			ChunkSize:    2000,
			ChunkOverlap: 200,
			EmbedRPS:     5,
		},
		Milvus: MilvusConfig{Address: "milvus:19530"},
		Server: ServerConfig{Addr: ":3978"},
		Bot: BotConfig{
			DownloadsDir:     "Files",
			PromptsDir:       "prompts",
			MaxDownloadBytes: 10 << 20,
			HTTPTimeout:      600 * time.Second,
			HistoryTurns:     10,
		},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path (a missing file yields defaults) and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.Telegram.Token = getEnvWithDefault("TG_BOT_TOKEN", cfg.Telegram.Token)

	cfg.Azure.SearchEndpoint = strings.TrimRight(getEnvWithDefault("AZURE_SEARCH_ENDPOINT", cfg.Azure.SearchEndpoint), "/")
	cfg.Azure.SearchAPIKey = getEnvWithDefault("AZURE_SEARCH_API_KEY", cfg.Azure.SearchAPIKey)
	cfg.Azure.SearchAPIVersion = getEnvWithDefault("AZURE_SEARCH_API_VERSION", cfg.Azure.SearchAPIVersion)
	cfg.Azure.OpenAIEndpoint = strings.TrimRight(getEnvWithDefault("AZURE_OPENAI_ENDPOINT", cfg.Azure.OpenAIEndpoint), "/")
	cfg.Azure.OpenAIAPIKey = getEnvWithDefault("AZURE_OPENAI_API_KEY", cfg.Azure.OpenAIAPIKey)
	cfg.Azure.OpenAIAPIVersion = getEnvWithDefault("AZURE_OPENAI_API_VERSION", cfg.Azure.OpenAIAPIVersion)
	cfg.Azure.EmbeddingDeployment = getEnvWithDefault("AZURE_OPENAI_EMBEDDING_DEPLOYMENT", cfg.Azure.EmbeddingDeployment)
	cfg.Azure.ChatDeployment = getEnvWithDefault("AZURE_OPENAI_CHAT_DEPLOYMENT", cfg.Azure.ChatDeployment)

	cfg.Index.Name = getEnvWithDefault("INDEX_NAME", cfg.Index.Name)
	cfg.Index.Backend = strings.ToLower(getEnvWithDefault("INDEX_BACKEND", cfg.Index.Backend))
	cfg.Milvus.Address = getEnvWithDefault("MILVUS_ADDRESS", cfg.Milvus.Address)
	cfg.Server.Addr = getEnvWithDefault("SERVER_ADDR", cfg.Server.Addr)
	cfg.Server.APIToken = getEnvWithDefault("SERVER_API_TOKEN", cfg.Server.APIToken)
	cfg.Bot.DownloadsDir = getEnvWithDefault("DOWNLOADS_DIR", cfg.Bot.DownloadsDir)
	cfg.Bot.PromptsDir = getEnvWithDefault("PROMPTS_DIR", cfg.Bot.PromptsDir)
	cfg.Bot.AdminUserIDs = getEnvWithDefault("ADMIN_USER_IDS", cfg.Bot.AdminUserIDs)
	cfg.Bot.AllowedUserIDs = getEnvWithDefault("ALLOWED_USER_IDS", cfg.Bot.AllowedUserIDs)
	cfg.LogLevel = getEnvWithDefault("LOG_LEVEL", cfg.LogLevel)

	var err error
	if cfg.Index.EmbeddingDim, err = getEnvInt("EMBEDDING_DIM", cfg.Index.EmbeddingDim); err != nil {
		return err
	}
	if cfg.Index.ChunkSize, err = getEnvInt("CHUNK_SIZE", cfg.Index.ChunkSize); err != nil {
		return err
	}
	if cfg.Index.ChunkOverlap, err = getEnvInt("CHUNK_OVERLAP", cfg.Index.ChunkOverlap); err != nil {
		return err
	}
	if cfg.Index.ReadyTimeout, err = getEnvDuration("INDEX_READY_TIMEOUT", cfg.Index.ReadyTimeout); err != nil {
		return err
	}
	if cfg.Bot.HTTPTimeout, err = getEnvDuration("HTTP_TIMEOUT", cfg.Bot.HTTPTimeout); err != nil {
		return err
	}
	return nil
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	require := func(value, name string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}

	require(c.Azure.OpenAIEndpoint, "AZURE_OPENAI_ENDPOINT")
	require(c.Azure.OpenAIAPIKey, "AZURE_OPENAI_API_KEY")
	require(c.Azure.EmbeddingDeployment, "AZURE_OPENAI_EMBEDDING_DEPLOYMENT")
	require(c.Azure.ChatDeployment, "AZURE_OPENAI_CHAT_DEPLOYMENT")
	require(c.Index.Name, "INDEX_NAME")

	switch c.Index.Backend {
	case BackendAzure:
		require(c.Azure.SearchEndpoint, "AZURE_SEARCH_ENDPOINT")
		require(c.Azure.SearchAPIKey, "AZURE_SEARCH_API_KEY")
	case BackendMilvus:
		require(c.Milvus.Address, "MILVUS_ADDRESS")
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown index backend %q", c.Index.Backend))
	}

	if c.Index.EmbeddingDim <= 0 {
		errs = append(errs, fmt.Errorf("embedding dimension must be positive, got %d", c.Index.EmbeddingDim))
	}
	if c.Index.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk size must be positive, got %d", c.Index.ChunkSize))
	}
	if c.Index.ChunkOverlap < 0 || c.Index.ChunkOverlap >= c.Index.ChunkSize {
		errs = append(errs, fmt.Errorf("chunk overlap must be in [0, %d), got %d", c.Index.ChunkSize, c.Index.ChunkOverlap))
	}
	return errors.Join(errs...)
}

// getEnvWithDefault gets an environment variable or returns a default value.
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}
