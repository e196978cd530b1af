package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/briefs/internal/config"
)

// --- ingest ---

const (
	ingestBatchSize   = 500
	ingestConcurrency = 4
)

type ingestLine struct {
	MsgID  int64  `json:"msg_id"`
	TS     string `json:"ts_utc"`
	FromMe bool   `json:"from_me"`
	Text   string `json:"text"`
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest exported chat messages from a JSONL file",
	Long: `Ingest exported chat messages from a JSONL file.

Each line is one message object:
  {"msg_id": 101, "ts_utc": "2026-02-03T10:00:00Z", "from_me": false, "text": "hello"}

Examples:
  briefs ingest --file ./export.jsonl
  briefs ingest --file ./export.jsonl --peer 42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		peer, _ := cmd.Flags().GetInt64("peer")

		if file == "" {
			return fmt.Errorf("--file is required")
		}
		if peer == 0 {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			peer = cfg.Chat.PeerID
		}
		if peer == 0 {
			return fmt.Errorf("--peer is required (or set chat.peer_id in config)")
		}

		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("opening file: %w", err)
		}
		defer f.Close()

		var lines []ingestLine
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			raw := strings.TrimSpace(scanner.Text())
			if raw == "" {
				continue
			}
			var line ingestLine
			if err := json.Unmarshal([]byte(raw), &line); err != nil {
				return fmt.Errorf("line %d: invalid JSON: %w", lineNo, err)
			}
			lines = append(lines, line)
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		if len(lines) == 0 {
			return fmt.Errorf("no messages found in %s", file)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		inserted, err := uploadMessages(cmd.Context(), client, peer, lines)
		if err != nil {
			return err
		}

		printSuccess("Ingested %d messages (%d new)", len(lines), inserted)
		return nil
	},
}

// uploadMessages posts messages to /ingest in concurrent batches. Inserts
// are idempotent on (peer_id, msg_id), so re-running a partial upload is
// safe.
func uploadMessages(ctx context.Context, client *apiClient, peer int64, lines []ingestLine) (int64, error) {
	var inserted atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(ingestConcurrency)
	for start := 0; start < len(lines); start += ingestBatchSize {
		batch := lines[start:min(start+ingestBatchSize, len(lines))]
		g.Go(func() error {
			req := map[string]any{
				"peer_id":  peer,
				"messages": batch,
			}
			resp, err := client.post(ctx, "/ingest", req)
			if err != nil {
				return err
			}
			var result map[string]int
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			inserted.Add(int64(result["inserted"]))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return inserted.Load(), nil
}

func init() {
	ingestCmd.Flags().String("file", "", "JSONL file of exported messages")
	ingestCmd.Flags().Int64("peer", 0, "peer ID the messages belong to")
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about the stored chat history",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.postForm(cmd.Context(), "/question", url.Values{"text": {question}})
		if err != nil {
			return err
		}

		answer, err := readText(resp)
		if err != nil {
			return err
		}

		fmt.Println(answer)
		return nil
	},
}

// --- callprep ---

var callPrepCmd = &cobra.Command{
	Use:   "callprep",
	Short: "Build a call-prep digest of messages since the last call",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.postForm(cmd.Context(), "/callprep", url.Values{})
		if err != nil {
			return err
		}

		digest, err := readText(resp)
		if err != nil {
			return err
		}

		fmt.Println(digest)
		return nil
	},
}

// --- fact ---

var factCmd = &cobra.Command{
	Use:   "fact",
	Short: "Manage stored facts",
}

var factAddCmd = &cobra.Command{
	Use:   "add <text>",
	Short: "Store a fact",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		author, _ := cmd.Flags().GetString("author")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"text":       text,
			"author":     author,
			"source":     "manual",
			"confidence": "high",
		}
		resp, err := client.post(cmd.Context(), "/facts", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Added fact: %s", text)
		return nil
	},
}

var factListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored facts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/facts")
		if err != nil {
			return err
		}

		var facts []struct {
			ID        int64  `json:"id"`
			CreatedAt string `json:"created_at"`
			Author    string `json:"author"`
			Text      string `json:"text"`
		}
		if err := decodeJSON(resp, &facts); err != nil {
			return err
		}

		if len(facts) == 0 {
			fmt.Println("No facts stored.")
			return nil
		}

		for _, f := range facts {
			author := f.Author
			if author == "" {
				author = "-"
			}
			fmt.Printf("%s  %s  %-10s  %s\n",
				colorize(colorCyan, fmt.Sprintf("%4d", f.ID)),
				f.CreatedAt,
				author,
				f.Text,
			)
		}
		return nil
	},
}

func init() {
	factAddCmd.Flags().String("author", "cli", "who recorded the fact")
	factCmd.AddCommand(factAddCmd)
	factCmd.AddCommand(factListCmd)
}

// --- markcall ---

var markCallCmd = &cobra.Command{
	Use:   "markcall",
	Short: "Mark that a call just happened",
	RunE: func(cmd *cobra.Command, args []string) error {
		note, _ := cmd.Flags().GetString("note")
		at, _ := cmd.Flags().GetString("at")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"source": "cli",
		}
		if note != "" {
			req["notes"] = note
		}
		if at != "" {
			req["occurred_utc"] = at
		}
		resp, err := client.post(cmd.Context(), "/calls", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Marked last call as now (UTC)")
		return nil
	},
}

func init() {
	markCallCmd.Flags().String("note", "", "optional note to store with the marker")
	markCallCmd.Flags().String("at", "", `override time ("2006-01-02T15:04:05Z", UTC)`)
}

// --- summary ---

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Manage daily summaries",
}

var summaryPostCmd = &cobra.Command{
	Use:   "post",
	Short: "Queue today's summary for posting to Slack",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/summaries/daily", map[string]any{})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued daily summary job %s", result["id"])
		return nil
	},
}

var summaryLatestCmd = &cobra.Command{
	Use:   "latest <channel-id>",
	Short: "Show the last summary posted to a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/summaries/latest?channel_id=" + url.QueryEscape(args[0])
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var summary struct {
			PostedAt  string `json:"posted_at"`
			DateLabel string `json:"date_label"`
			ThreadTS  string `json:"thread_ts"`
			Text      string `json:"text"`
		}
		if err := decodeJSON(resp, &summary); err != nil {
			return err
		}

		fmt.Printf("%s (posted %s, thread %s)\n\n%s\n",
			colorize(colorBold, "Summary "+summary.DateLabel),
			summary.PostedAt,
			summary.ThreadTS,
			summary.Text,
		)
		return nil
	},
}

func init() {
	summaryCmd.AddCommand(summaryPostCmd)
	summaryCmd.AddCommand(summaryLatestCmd)
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
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
