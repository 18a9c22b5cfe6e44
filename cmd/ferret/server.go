package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/ferret/internal/api"
	"github.com/kalambet/ferret/internal/engine"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ferret HTTP server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, backend and storage status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP over stdio (overrides server.mcp)")
}

func runServer(mcpFlag bool) error {
	fmt.Fprintf(os.Stderr, "ferret version %s\n", version)

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Debug("effective config", "config", cfg.Redacted())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating llm backend: %w", err)
	}
	printStep("checking %s backend", eng.Name())
	if err := engine.EnsureReady(ctx, eng, cfg.LLM.EmbedModel, os.Stderr); err != nil {
		return err
	}

	local, err := openLocal(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := local.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	svc, err := buildServices(local, eng)
	if err != nil {
		return err
	}
	if cfg.Server.APIToken == "" {
		printWarning("server.api_token is empty; the API accepts unauthenticated requests")
	}

	go svc.worker.Run(ctx)
	go svc.retention.Run(ctx, cfg.Memory.PruneInterval)

	if mcpFlag || cfg.Server.MCP {
		mcpSrv := api.NewMCPServer(svc.apiDeps())
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("mcp stdio server error", "error", err)
			}
		}()
		logger.Info("mcp server started", "transport", "stdio")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(svc.apiDeps()),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ferret listening", "addr", addr, "provider", eng.Name(), "model", cfg.LLM.Model)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type statsView struct {
	Cache struct {
		Entries int64   `json:"entries"`
		HitRate float64 `json:"hit_rate"`
	} `json:"cache"`
	Collections map[string]int `json:"collections"`
	Today       struct {
		Queries       int64   `json:"queries"`
		Tokens        int64   `json:"tokens"`
		CacheHits     int64   `json:"cache_hits"`
		AvgResponseMs float64 `json:"avg_response_ms"`
	} `json:"today"`
}

func showStatus(ctx context.Context, w io.Writer) error {
	cfg, _, err := loadConfig()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	httpClient := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := httpClient.Get(client.baseURL + "/health")
	if err != nil {
		printStatus(w, "Server", "stopped")
	} else {
		resp.Body.Close()
		running = resp.StatusCode == http.StatusOK
		if running {
			printStatus(w, "Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus(w, "Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus(w, "Provider", "%s", cfg.LLM.Provider)
	printStatus(w, "Model", "%s", cfg.LLM.Model)
	printStatus(w, "Embed model", "%s", cfg.LLM.EmbedModel)

	if running {
		resp, err := client.get(ctx, "/v1/stats")
		if err == nil {
			var st statsView
			if decodeJSON(resp, &st) == nil {
				printStatus(w, "Cache entries", "%d (hit rate %.0f%%)", st.Cache.Entries, st.Cache.HitRate*100)
				for _, name := range slices.Sorted(maps.Keys(st.Collections)) {
					printStatus(w, "Collection "+name, "%d", st.Collections[name])
				}
				printStatus(w, "Today", "%d queries, %d tokens, %d cache hits, %.0fms avg",
					st.Today.Queries, st.Today.Tokens, st.Today.CacheHits, st.Today.AvgResponseMs)
			}
		}
	}

	printStatus(w, "Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
