package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/waterlab/envchat/internal/config"
	"github.com/waterlab/envchat/internal/ingest"
	"github.com/waterlab/envchat/internal/pipeline"
	"github.com/waterlab/envchat/internal/storage"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about the monitoring data",
	Long: `Ask a question about the monitoring data.

Examples:
  envchat ask "최근 한강 녹조 수치 알려줘"
  envchat ask "2024년 3월 팔당호 수질은 어땠어?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/chat", pipeline.ChatRequest{Message: message})
		if err != nil {
			return err
		}

		var result pipeline.ChatResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Answer)

		if result.Data != nil {
			stats := result.Data.Statistics
			fmt.Printf("\n%s %d observations", colorize(colorBold, "Data:"), stats.Count)
			if stats.Min != nil && stats.Max != nil && stats.Avg != nil {
				fmt.Printf(" (min %.2f, max %.2f, avg %.2f)", *stats.Min, *stats.Max, *stats.Avg)
			}
			fmt.Println()
		}
		if len(result.Suggestions) > 0 {
			fmt.Printf("\n%s\n", colorize(colorBold, "Follow-ups:"))
			for _, s := range result.Suggestions {
				fmt.Printf("  - %s\n", s)
			}
		}
		if result.Metadata.Degraded {
			printWarning("retrieval was degraded; the answer may be missing context")
		}
		return nil
	},
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a reference document",
	Long: `Ingest a reference document into the semantic index.

Examples:
  envchat ingest --text "조류경보제 발령 기준: 유해남조류 1,000 cells/mL 이상" --title "조류경보제"
  envchat ingest --url https://example.org/water-quality-standards
  envchat ingest --file ./guidelines.pdf --doc-type guideline`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		url, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		docType, _ := cmd.Flags().GetString("doc-type")

		if text == "" && url == "" && file == "" {
			return fmt.Errorf("one of --text, --url, or --file is required")
		}

		req := map[string]any{
			"source":   "cli",
			"doc_type": docType,
		}
		if title != "" {
			req["title"] = title
		}

		switch {
		case text != "":
			req["content"] = text
		case url != "":
			req["url"] = url
			req["source"] = url
		case file != "":
			content, err := readDocumentFile(file)
			if err != nil {
				return err
			}
			req["content"] = content
			req["source"] = file
			if title == "" {
				req["title"] = filepath.Base(file)
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/documents", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued document %s", result["id"])
		return nil
	},
}

// readDocumentFile loads a local file as text; PDFs go through extraction.
func readDocumentFile(path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return ingest.ExtractPDF(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}
	return string(data), nil
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to ingest")
	ingestCmd.Flags().String("url", "", "URL to fetch and ingest")
	ingestCmd.Flags().String("file", "", "file path to ingest (PDF or plain text)")
	ingestCmd.Flags().String("title", "", "title for the document")
	ingestCmd.Flags().String("doc-type", "", "document type: manual, guideline, or other")
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Manage ingested reference documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingested documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/documents?limit=%d", limit))
		if err != nil {
			return err
		}

		var docs []storage.Document
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No documents found.")
			return nil
		}
		for _, d := range docs {
			fmt.Printf("%s  %-9s  %s\n", colorize(colorCyan, d.ID[:8]), d.DocType, d.Title)
		}
		return nil
	},
}

var documentsRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a document from the index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/documents/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

func init() {
	documentsListCmd.Flags().Int("limit", 20, "maximum number of documents to list")
	documentsCmd.AddCommand(documentsListCmd)
	documentsCmd.AddCommand(documentsRmCmd)
}

// --- load-data ---

const loadBatchSize = 500

var loadDataCmd = &cobra.Command{
	Use:   "load-data <csv-file>",
	Short: "Load observations from a CSV file",
	Long: `Load environmental observations from a CSV file.

Required columns: location, datetime, data_type, value.
Optional columns: latitude, longitude, value2, value3, unit, quality_flag, notes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening csv: %w", err)
		}
		defer f.Close()

		observations, err := ingest.ParseObservationsCSV(f)
		if err != nil {
			return err
		}
		if len(observations) == 0 {
			printWarning("no observations found in %s", args[0])
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		total := 0
		for start := 0; start < len(observations); start += loadBatchSize {
			end := start + loadBatchSize
			if end > len(observations) {
				end = len(observations)
			}

			resp, err := client.post(cmd.Context(), "/observations", map[string]any{
				"observations": observations[start:end],
			})
			if err != nil {
				return err
			}
			var result map[string]any
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			total += end - start
			printStep("Loaded %d/%d observations", total, len(observations))
		}

		printSuccess("Loaded %d observations from %s", total, args[0])
		return nil
	},
}

// --- interactions ---

var interactionsCmd = &cobra.Command{
	Use:   "interactions",
	Short: "List recent chat interactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/interactions?limit=%d", limit))
		if err != nil {
			return err
		}

		var interactions []storage.Interaction
		if err := decodeJSON(resp, &interactions); err != nil {
			return err
		}

		if len(interactions) == 0 {
			fmt.Println("No interactions found.")
			return nil
		}

		for _, ix := range interactions {
			message := truncateRunes(ix.Message, 80)
			fmt.Printf("%s  %s  %s\n",
				colorize(colorCyan, ix.ID[:8]),
				ix.CreatedAt.Format("2006-01-02 15:04"),
				message,
			)
		}
		return nil
	},
}

func init() {
	interactionsCmd.Flags().Int("limit", 20, "maximum number of interactions to list")
}

// truncateRunes shortens s to at most limit runes. Byte slicing would split
// multi-byte Hangul mid-sequence.
func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "..."
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
