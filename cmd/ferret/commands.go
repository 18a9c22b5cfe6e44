package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/ferret/internal/config"
	"github.com/kalambet/ferret/internal/retrieval"
	"github.com/kalambet/ferret/internal/semantic"
	"github.com/kalambet/ferret/internal/source"
)

// --- ask ---

type chatResult struct {
	Response     string  `json:"response"`
	Source       string  `json:"source"`
	TokensUsed   int     `json:"tokens_used"`
	Similarity   float64 `json:"similarity"`
	SessionID    string  `json:"session_id"`
	MemoriesUsed int     `json:"memories_used"`
	ResponseMs   int64   `json:"response_time_ms"`
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the research assistant through the running server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		noCache, _ := cmd.Flags().GetBool("no-cache")
		noMemory, _ := cmd.Flags().GetBool("no-memory")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runAsk(cmd.Context(), cmd.OutOrStdout(), client, map[string]any{
			"query":      strings.Join(args, " "),
			"session_id": session,
			"use_cache":  !noCache,
			"use_memory": !noMemory,
		})
	},
}

func runAsk(ctx context.Context, w io.Writer, client *apiClient, req map[string]any) error {
	resp, err := client.post(ctx, "/v1/chat", req)
	if err != nil {
		return err
	}
	var res chatResult
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}

	fmt.Fprintln(w, res.Response)
	fmt.Fprintln(w)
	meta := fmt.Sprintf("source=%s tokens=%d session=%s %dms", res.Source, res.TokensUsed, res.SessionID, res.ResponseMs)
	if res.Source == "semantic" {
		meta += fmt.Sprintf(" similarity=%.2f", res.Similarity)
	}
	fmt.Fprintln(w, colorize(colorCyan, meta))
	return nil
}

func init() {
	askCmd.Flags().String("session", "", "session id to continue a conversation")
	askCmd.Flags().Bool("no-cache", false, "skip the cache tiers")
	askCmd.Flags().Bool("no-memory", false, "do not use recalled memory or history")
}

// --- extract ---

type passageResult struct {
	Passage string  `json:"passage"`
	Context string  `json:"context_passage"`
	Note    string  `json:"relevance"`
	Success bool    `json:"success"`
	Method  string  `json:"method"`
	Score   float64 `json:"score"`
	Title   string  `json:"title"`
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Find the passage of a source that supports a claim",
	Long: `Find the passage of a source that supports a claim.

Examples:
  ferret extract --url https://example.com/article --claim "Arctic shipping threatens cod stocks"
  ferret extract --file ./report.pdf --claim "Permafrost thaw accelerates warming"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		rawURL, _ := cmd.Flags().GetString("url")
		claim, _ := cmd.Flags().GetString("claim")
		asJSON, _ := cmd.Flags().GetBool("json")

		req, err := extractRequest(file, rawURL, claim)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runExtract(cmd.Context(), cmd.OutOrStdout(), client, req, asJSON)
	},
}

func extractRequest(file, rawURL, claim string) (map[string]any, error) {
	if strings.TrimSpace(claim) == "" {
		return nil, fmt.Errorf("--claim is required")
	}
	switch {
	case file != "" && rawURL != "":
		return nil, fmt.Errorf("use only one of --file or --url")
	case file != "":
		doc, err := source.ReadFile(file)
		if err != nil {
			return nil, err
		}
		return map[string]any{"source": doc.Text, "claim": claim}, nil
	case rawURL != "":
		return map[string]any{"url": rawURL, "claim": claim}, nil
	default:
		return nil, fmt.Errorf("one of --file or --url is required")
	}
}

func runExtract(ctx context.Context, w io.Writer, client *apiClient, req map[string]any, asJSON bool) error {
	resp, err := client.post(ctx, "/v1/evidence/extract", req)
	if err != nil {
		return err
	}
	var res passageResult
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}
	if asJSON {
		return printJSON(w, res)
	}

	if res.Title != "" {
		fmt.Fprintln(w, colorize(colorBold, res.Title))
	}
	if res.Success {
		fmt.Fprintln(w, colorize(colorGreen, fmt.Sprintf("match: %s (score %.2f)", res.Method, res.Score)))
	} else {
		fmt.Fprintln(w, colorize(colorYellow, fmt.Sprintf("no match: %s", res.Note)))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, res.Passage)
	if res.Context != "" && res.Context != res.Passage {
		fmt.Fprintln(w)
		fmt.Fprintln(w, colorize(colorBold, "Context:"))
		fmt.Fprintln(w, res.Context)
	}
	if res.Success && res.Note != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, colorize(colorBold, "Relevance:"), res.Note)
	}
	return nil
}

func init() {
	extractCmd.Flags().String("file", "", "local file (pdf, html, txt, md)")
	extractCmd.Flags().String("url", "", "URL to fetch")
	extractCmd.Flags().String("claim", "", "claim the evidence should support")
	extractCmd.Flags().Bool("json", false, "print the raw JSON result")
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and clear the exact-match cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache entry counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLocal(func(l *localStore) error {
			ctx := cmd.Context()
			st, err := l.exact.Stats(ctx)
			if err != nil {
				return err
			}
			responses, err := l.vectors.Count(ctx, retrieval.CollectionResponses)
			if err != nil {
				return err
			}
			return printTable(cmd.OutOrStdout(), [][]string{
				{"TIER", "ENTRIES"},
				{"exact", strconv.FormatInt(st.Entries, 10)},
				{"semantic", strconv.Itoa(responses)},
			})
		})
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete exact cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		expired, _ := cmd.Flags().GetBool("expired")
		return withLocal(func(l *localStore) error {
			n, err := l.exact.Clear(cmd.Context(), expired)
			if err != nil {
				return err
			}
			if expired {
				printSuccess("Removed %d expired cache entries", n)
			} else {
				printSuccess("Removed %d cache entries", n)
			}
			return nil
		})
	},
}

func init() {
	cacheClearCmd.Flags().Bool("expired", false, "only remove expired entries")
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

// --- quota ---

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect request and token quotas",
}

var quotaStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show quota usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		caller, _ := cmd.Flags().GetString("caller")
		return withLocal(func(l *localStore) error {
			st, err := l.gate.Status(cmd.Context(), caller)
			if err != nil {
				return err
			}
			if !st.Enabled {
				printWarning("quota enforcement is disabled")
			}
			rows := [][]string{
				{"LIMIT", "USED", "MAX"},
				{"daily tokens", strconv.FormatInt(st.DailyTokens, 10), strconv.FormatInt(st.DailyLimit, 10)},
				{"monthly tokens", strconv.FormatInt(st.MonthlyTokens, 10), strconv.FormatInt(st.MonthlyLimit, 10)},
				{"daily requests", strconv.FormatInt(st.DailyRequests, 10), "-"},
			}
			if caller != "" {
				rows = append(rows, []string{
					fmt.Sprintf("requests per %s (%s)", st.Window, caller),
					strconv.FormatInt(st.CallerRequests, 10),
					strconv.FormatInt(st.RequestLimit, 10),
				})
			}
			return printTable(cmd.OutOrStdout(), rows)
		})
	},
}

func init() {
	quotaStatusCmd.Flags().String("caller", "", "caller or session id for the per-caller counter")
	quotaCmd.AddCommand(quotaStatusCmd)
}

// --- memory ---

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Manage remembered conversation fragments",
}

var memoryPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the retention policy now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLocal(func(l *localStore) error {
			res, err := l.retention.Prune(cmd.Context())
			if err != nil {
				return err
			}
			printSuccess("Pruned %d expired and %d over-limit fragments, %d cached responses, %d kv entries",
				res.Expired, res.Trimmed, res.ResponsesExpired, res.KVExpired)
			return nil
		})
	},
}

var memoryCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Count stored fragments",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLocal(func(l *localStore) error {
			n, err := l.vectors.Count(cmd.Context(), retrieval.CollectionMemory)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		})
	},
}

// exportedRecord is one line of memory export output.
type exportedRecord struct {
	ID        string            `json:"id"`
	Document  string            `json:"document"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"created_at"`
}

var memoryExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a collection as JSON Lines",
	Long: `Write every record of a collection as JSON Lines, oldest first.
Embeddings are omitted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, _ := cmd.Flags().GetString("collection")
		if collection != retrieval.CollectionMemory && collection != retrieval.CollectionResponses {
			return fmt.Errorf("unknown collection %q (want %s or %s)", collection, retrieval.CollectionMemory, retrieval.CollectionResponses)
		}
		return withLocal(func(l *localStore) error {
			return exportCollection(cmd.Context(), cmd.OutOrStdout(), l.vectors, collection)
		})
	},
}

func exportCollection(ctx context.Context, w io.Writer, vectors *retrieval.SQLiteStore, collection string) error {
	recs, err := vectors.ExportAll(ctx, collection)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, r := range recs {
		if err := enc.Encode(exportedRecord{ID: r.ID, Document: r.Document, Metadata: r.Metadata, CreatedAt: r.CreatedAt}); err != nil {
			return fmt.Errorf("writing %s: %w", r.ID, err)
		}
	}
	return nil
}

func init() {
	memoryExportCmd.Flags().String("collection", retrieval.CollectionMemory, "collection to export (memory or responses)")
	memoryCmd.AddCommand(memoryPruneCmd)
	memoryCmd.AddCommand(memoryCountCmd)
	memoryCmd.AddCommand(memoryExportCmd)
}

// --- calibrate ---

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Measure semantic cache precision and recall over labelled pairs",
	Long: `Measure semantic cache precision and recall over labelled pairs.

The pairs file is JSON Lines: {"a": "...", "b": "...", "duplicate": true}`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pairsPath, _ := cmd.Flags().GetString("pairs")
		lo, _ := cmd.Flags().GetFloat64("from")
		hi, _ := cmd.Flags().GetFloat64("to")
		step, _ := cmd.Flags().GetFloat64("step")
		if pairsPath == "" {
			return fmt.Errorf("--pairs is required")
		}

		f, err := os.Open(pairsPath)
		if err != nil {
			return fmt.Errorf("opening pairs: %w", err)
		}
		defer f.Close()
		pairs, err := semantic.ReadPairs(f)
		if err != nil {
			return fmt.Errorf("reading pairs: %w", err)
		}
		if len(pairs) == 0 {
			return fmt.Errorf("no pairs in %s", pairsPath)
		}

		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
		defer cancel()
		eng, err := newEngine(ctx, cfg)
		if err != nil {
			return err
		}
		printStep("embedding %d pairs with %s", len(pairs), cfg.LLM.EmbedModel)
		distances, err := semantic.Distances(ctx, retrieval.NewEmbedder(eng, cfg.LLM.EmbedModel), pairs)
		if err != nil {
			return err
		}
		return printCalibration(cmd.OutOrStdout(), semantic.Calibrate(pairs, distances, semantic.Sweep(lo, hi, step)), cfg.Cache.SemanticThreshold)
	},
}

func printCalibration(w io.Writer, points []semantic.Point, current float64) error {
	rows := [][]string{{"THRESHOLD", "PRECISION", "RECALL", "F1", "TP", "FP", "FN", "TN"}}
	for _, p := range points {
		th := strconv.FormatFloat(p.Threshold, 'f', 2, 64)
		if p.Threshold == current {
			th += " *"
		}
		rows = append(rows, []string{
			th,
			strconv.FormatFloat(p.Precision, 'f', 3, 64),
			strconv.FormatFloat(p.Recall, 'f', 3, 64),
			strconv.FormatFloat(p.F1, 'f', 3, 64),
			strconv.Itoa(p.TP), strconv.Itoa(p.FP), strconv.Itoa(p.FN), strconv.Itoa(p.TN),
		})
	}
	if err := printTable(w, rows); err != nil {
		return err
	}
	if best, ok := semantic.Best(points); ok {
		fmt.Fprintf(w, "\nbest F1 %.3f at threshold %.2f (current %.2f)\n", best.F1, best.Threshold, current)
	}
	return nil
}

func init() {
	calibrateCmd.Flags().String("pairs", "", "JSON Lines file of labelled query pairs")
	calibrateCmd.Flags().Float64("from", 0.05, "lowest threshold to evaluate")
	calibrateCmd.Flags().Float64("to", 0.6, "highest threshold to evaluate")
	calibrateCmd.Flags().Float64("step", 0.05, "threshold step")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return printConfig(cmd.OutOrStdout(), cfg)
	},
}

func printConfig(w io.Writer, cfg config.Config) error {
	rows := [][]string{{"KEY", "VALUE", "ENV"}}
	for _, e := range config.Entries(cfg) {
		rows = append(rows, []string{e.Key, e.Value, e.Env})
	}
	return printTable(w, rows)
}

func init() {
	configCmd.AddCommand(configShowCmd)
}

// withLocal opens local storage for the duration of fn.
func withLocal(fn func(l *localStore) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	l, err := openLocal(cfg, logger)
	if err != nil {
		return err
	}
	defer l.Close()
	return fn(l)
}
