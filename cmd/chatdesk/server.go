package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/chatdesk/internal/api"
	"github.com/kalambet/chatdesk/internal/classifier"
	"github.com/kalambet/chatdesk/internal/config"
	"github.com/kalambet/chatdesk/internal/intents"
	"github.com/kalambet/chatdesk/internal/storage"
	"github.com/kalambet/chatdesk/internal/triage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chatdesk server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chatdesk server and classifier status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newClassifier(cfg config.ClassifierConfig) *classifier.Client {
	opts := []classifier.Option{classifier.WithTimeout(cfg.TimeoutDuration())}
	if cfg.RateLimit > 0 {
		opts = append(opts, classifier.WithRateLimit(cfg.RateLimit, cfg.Burst))
	}
	return classifier.NewClient(cfg.BaseURL, opts...)
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "chatdesk version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Logs go to stderr; stdout belongs to the MCP transport.
	slog.SetDefault(newLogger(cfg.Log, os.Stderr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()
	slog.Info("storage opened", "data_dir", cfg.Storage.DataDir)

	gateway := newClassifier(cfg.Classifier)
	probeCtx, cancelProbe := context.WithTimeout(ctx, 3*time.Second)
	if v, err := gateway.Version(probeCtx); err != nil {
		slog.Warn("classifier not reachable; chat messages will be queued for triage until it is", "base_url", gateway.BaseURL(), "error", err)
	} else {
		slog.Info("classifier ready", "base_url", gateway.BaseURL(), "version", v.Version)
	}
	cancelProbe()

	mgr := intents.NewManager(store)
	svc := triage.NewService(store, gateway)

	srv := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: api.NewHandler(api.Deps{
			Intents:        mgr,
			Triage:         svc,
			Sender:         cfg.Classifier.Sender,
			AllowedOrigins: cfg.Server.Origins(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("chatdesk listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Intents: mgr, Triage: svc, Version: version})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			slog.Info("MCP server started (stdio transport)")
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("MCP stdio server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	base := serverURL
	if base == "" {
		base = localURL(cfg.Server)
	}
	client := &apiClient{baseURL: strings.TrimRight(base, "/"), httpClient: &http.Client{Timeout: 2 * time.Second}}

	running := false
	resp, err := client.get(ctx, "/health")
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		running = true
		printStatus("Server", "running at %s", client.baseURL)
	default:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}

	gateway := classifier.NewClient(cfg.Classifier.BaseURL, classifier.WithTimeout(2*time.Second))
	if v, err := gateway.Version(ctx); err != nil {
		printStatus("Classifier", "not reachable at %s", gateway.BaseURL())
	} else {
		printStatus("Classifier", "Rasa %s at %s", v.Version, gateway.BaseURL())
	}

	if running {
		if n, err := countItems(ctx, client, "/intents"); err == nil {
			printStatus("Intents", "%d", n)
		}
		if n, err := countItems(ctx, client, "/unclassified-queries"); err == nil {
			printStatus("Pending queries", "%d", n)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Config", "%s", config.ConfigPath())
	return nil
}

func countItems(ctx context.Context, client *apiClient, path string) (int, error) {
	resp, err := client.get(ctx, path)
	if err != nil {
		return 0, err
	}
	var items []struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(resp, &items); err != nil {
		return 0, err
	}
	return len(items), nil
}
