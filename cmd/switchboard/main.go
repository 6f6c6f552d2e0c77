// ABOUTME: Entry point for the switchboard orchestrator
// ABOUTME: Subcommands: serve, init, health, workers, token

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
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

	"github.com/switchhq/switchboard/internal/admission"
	"github.com/switchhq/switchboard/internal/config"
	"github.com/switchhq/switchboard/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
              _ _       _     _                         _
  _____      _(_) |_ ___| |__ | |__   ___   __ _ _ __ __| |
 / __\ \ /\ / / | __/ __| '_ \| '_ \ / _ \ / _' | '__/ _' |
 \__ \\ V  V /| | || (__| | | | |_) | (_) | (_| | | | (_| |
 |___/ \_/\_/ |_|\__\___|_| |_|_.__/ \___/ \__,_|_|  \__,_|
`

// getConfigPath returns the path to the orchestrator config file.
// Priority: SWITCHBOARD_CONFIG env var > XDG_CONFIG_HOME/switchboard/switchboard.yaml > ~/.config/switchboard/switchboard.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SWITCHBOARD_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "switchboard.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "switchboard", "switchboard.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: switchboard <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve               Start the orchestrator")
		fmt.Println("  init                Write a starter config file")
		fmt.Println("  health              Check orchestrator health")
		fmt.Println("  workers             List registered workers and their status")
		fmt.Println("  token --user USER   Mint a bearer token for USER")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "workers":
		err = runWorkers(ctx)
	case "token":
		err = runToken()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

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
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Workers:  %d configured\n", len(cfg.Workers))
	if cfg.Bus.RedisAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Redis:    %s\n", cfg.Bus.RedisAddr)
	}
	fmt.Println()

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing gateway: %w", err)
	}
	return gw.Run(ctx)
}

const starterConfig = `server:
  http_addr: "0.0.0.0:8010"

auth:
  jwt_secret: "${SWITCHBOARD_JWT_SECRET}"
  api_keys: {}

workers:
  - name: python
    address: "http://localhost:8000"
  - name: browser
    address: "http://localhost:8001"
  - name: system
    address: "http://localhost:8002"
  - name: communication
    address: "http://localhost:8003"
  - name: ide
    address: "http://localhost:8004"
  - name: github
    address: "http://localhost:8005"
  - name: voice_ui
    address: "http://localhost:8006"

health:
  interval: 10s
  probe_timeout: 5s

sessions:
  ttl: 30m

bus:
  redis_addr: "${SWITCHBOARD_REDIS_ADDR}"
  max_attempts: 3
  history_limit: 1000
  handler_timeout: 2s

commands:
  history_limit: 1000
  dispatch_timeout: 5s

ratelimit:
  per_minute: 60
  edge_limit: 600
  edge_window: 1m

audit:
  path: ""

logging:
  level: info
  format: text

metrics:
  enabled: true
  path: /metrics
`

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(starterConfig), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Wrote starter config to %s\n", configPath)
	fmt.Println("Set SWITCHBOARD_JWT_SECRET before starting the server.")
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	body, err := get(ctx, fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr))
	if err != nil {
		return err
	}

	var health struct {
		Status             string            `json:"status"`
		Servers            map[string]string `json:"servers"`
		ActiveSessions     int               `json:"active_sessions"`
		MessageQueueStatus string            `json:"message_queue_status"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return fmt.Errorf("parsing health response: %w", err)
	}

	color.New(color.FgGreen).Printf("● %s\n", health.Status)
	fmt.Printf("  sessions: %d\n", health.ActiveSessions)
	fmt.Printf("  queue:    %s\n", health.MessageQueueStatus)
	for name, status := range health.Servers {
		fmt.Printf("  %-16s %s\n", name, status)
	}
	return nil
}

func runWorkers(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	body, err := get(ctx, fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr))
	if err != nil {
		return err
	}

	var health struct {
		Servers map[string]string `json:"servers"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return fmt.Errorf("parsing health response: %w", err)
	}

	if len(health.Servers) == 0 {
		fmt.Println("No workers registered.")
		return nil
	}
	for name, status := range health.Servers {
		mark := color.RedString("✗")
		if status == "healthy" {
			mark = color.GreenString("✓")
		}
		fmt.Printf("  %s %-16s %s\n", mark, name, status)
	}
	return nil
}

func runToken() error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "user id to mint the token for")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}
	if *user == "" {
		return fmt.Errorf("--user is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	token, err := admission.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(*user, *ttl)
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("is the orchestrator running? %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
	}
	return body, nil
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

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{level: level}
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

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

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

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
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
	return &colorHandler{level: h.level, attrs: newAttrs, groups: h.groups}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{level: h.level, attrs: h.attrs, groups: newGroups}
}
