package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hunterwarburton/qnabot/internal/core"
	"github.com/spf13/cobra"
)

var (
	searchLimit int
	searchJSON  bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Index text files",
	Long: `Creates the index if needed, then chunks, embeds and uploads each file.
Re-ingesting a file with the same name replaces its earlier chunks.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

var deleteIndexCmd = &cobra.Command{
	Use:   "delete-index",
	Short: "Delete the whole index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := services.Indexer.Delete(cmd.Context()); err != nil {
			if errors.Is(err, core.ErrIndexNotFound) {
				return fmt.Errorf("index %s does not exist", services.Indexer.IndexName())
			}
			return err
		}
		cmd.Printf("Deleted index %s.\n", services.Indexer.IndexName())
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search indexed documents",
	Long: `Runs a hybrid query against the index: keyword matching on the chunk
text combined with vector similarity on its embedding.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a question from the indexed documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := services.Planner.CompletePrompt(cmd.Context(), "indexctl", strings.Join(args, " "))
		if err != nil {
			return fmt.Errorf("completion failed: %w", err)
		}
		cmd.Println(reply)
		return nil
	},
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 5, "maximum number of results")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(ingestCmd, deleteIndexCmd, searchCmd, askCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	var failed int
	for _, path := range args {
		res, err := services.Indexer.CreateIndexAndUploadDocument(cmd.Context(), path)
		if err != nil {
			cmd.PrintErrf("%s: %v\n", path, err)
			failed++
			continue
		}
		cmd.Printf("Indexed %s as %s: %d chunk(s), %d stale removed\n", res.Title, res.ParentID, res.Chunks, res.Removed)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d file(s) failed", failed, len(args))
	}
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := args[0]
	vector, err := services.Embedder.Embed(cmd.Context(), query)
	if err != nil {
		return fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := services.Index.Search(cmd.Context(), query, vector, searchLimit)
	if errors.Is(err, core.ErrIndexNotFound) {
		cmd.Println("No index yet. Ingest a file first.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if searchJSON {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal results: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	if len(results) == 0 {
		cmd.Println("No results found.")
		return nil
	}
	for i, r := range results {
		title := r.Document.Title
		if title == "" {
			title = r.Document.ID
		}
		cmd.Printf("[%d] %s #%d (%.3f)\n    %s\n", i+1, title, r.Document.ChunkIndex, r.Score, snippet(r.Document.Body, 160))
	}
	return nil
}

func snippet(body string, max int) string {
	body = strings.Join(strings.Fields(body), " ")
	runes := []rune(body)
	if len(runes) <= max {
		return body
	}
	return string(runes[:max]) + "..."
}
