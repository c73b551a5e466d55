// ABOUTME: Entry point for the relay offline-first delivery client
// ABOUTME: Runs the queue drainer, connectivity monitor, and artifact sweeper

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/stackmark/relay/internal/agentapi"
	"github.com/stackmark/relay/internal/artifacts"
	"github.com/stackmark/relay/internal/config"
	"github.com/stackmark/relay/internal/connectivity"
	"github.com/stackmark/relay/internal/drain"
	"github.com/stackmark/relay/internal/events"
	"github.com/stackmark/relay/internal/ledger"
	"github.com/stackmark/relay/internal/queue"
	"github.com/stackmark/relay/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _
  _ __ ___| | __ _ _   _
 | '__/ _ \ |/ _' | | | |
 | | |  __/ | (_| | |_| |
 |_|  \___|_|\__,_|\__, |
                   |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: RELAY_CONFIG env var > XDG_CONFIG_HOME/relay/relay.yaml > ~/.config/relay/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "relay", "relay.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve          Run the delivery client")
		fmt.Println("  drain          Drain the pending queue once and exit")
		fmt.Println("  status         Show queue and connectivity status")
		fmt.Println("  retry <id>     Retry a terminally failed queue item")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "drain":
		err = runDrain(ctx)
	case "status":
		err = runStatus(ctx)
	case "retry":
		err = runRetry(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildComponents wires the store, queue, ledger, and API client from config.
func buildComponents(cfg *config.Config) (store.Store, *events.Bus, *queue.Queue, *ledger.Ledger, *agentapi.Client, *connectivity.Monitor, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("opening store: %w", err)
	}

	bus := events.NewBus(slog.Default())

	tokens := agentapi.NewRefreshingTokenSource(
		cfg.API.RefreshURL, cfg.API.AccessToken, cfg.API.RefreshToken, nil)
	api := agentapi.NewClient(cfg.API.BaseURL, tokens, cfg.API.RequestTimeout)

	monitor := connectivity.NewMonitor(
		cfg.ProbeURL(), cfg.Connectivity.ProbeInterval, cfg.Connectivity.ProbeTimeout, bus)

	q := queue.New(st, bus)
	q.SetMaxRetries(cfg.Queue.MaxRetries)

	l := ledger.New(st, bus, monitor.Online)

	return st, bus, q, l, api, monitor, nil
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("API:       %s\n", cfg.API.BaseURL)
	fmt.Println()

	logger.Info("starting relay",
		"config", configPath,
		"database", cfg.Database.Path,
		"api", cfg.API.BaseURL,
	)

	st, bus, q, l, api, monitor, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	defer bus.Close()

	cache := artifacts.NewCache(st, cfg.Artifacts.Retention)
	scheduler := drain.NewScheduler(q, l, api, bus, cfg.API.AgentKind)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx, monitor.Subscribe(ctx))
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		cache.RunSweeper(ctx)
	}()

	// Probe right away so the first drain does not wait a full interval.
	monitor.WakeProbe()

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
	return nil
}

func runDrain(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	st, bus, q, l, api, _, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	defer bus.Close()

	scheduler := drain.NewScheduler(q, l, api, bus, cfg.API.AgentKind)
	summary, err := scheduler.Drain(ctx)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("drained: %d processed, %d failed, %d remaining\n",
		summary.Processed, summary.Failed, summary.Remaining)
	return nil
}

func runStatus(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	pending, err := st.ListQueueItemsByStatus(ctx, store.QueueStatusPending)
	if err != nil {
		return err
	}
	failed, err := st.ListQueueItemsByStatus(ctx, store.QueueStatusFailed)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	red := color.New(color.FgRed)

	cyan.Printf("pending: %d\n", len(pending))
	for _, item := range pending {
		fmt.Printf("  %s  %s/%s  retries=%d\n", item.ID, item.AgentKind, item.ActionKind, item.RetryCount)
	}

	red.Printf("failed: %d\n", len(failed))
	for _, item := range failed {
		fmt.Printf("  %s  %s/%s  %s\n", item.ID, item.AgentKind, item.ActionKind, item.LastError)
	}

	// Probe once so the status reflects current reachability.
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, cfg.ProbeURL(), nil)
	if err != nil {
		return err
	}
	if resp, probeErr := http.DefaultClient.Do(req); probeErr != nil {
		red.Println("connectivity: offline")
	} else {
		resp.Body.Close()
		color.Green("connectivity: online")
	}
	return nil
}

func runRetry(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: relay retry <id>")
	}
	id := os.Args[2]

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, bus, q, _, _, _, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	defer bus.Close()

	if err := q.RetryFailed(ctx, id); err != nil {
		return err
	}

	color.Green("retrying %s on next drain\n", id)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
