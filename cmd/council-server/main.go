// ABOUTME: Entry point for council-server, the reference multi-agent conversation server
// ABOUTME: Subcommands serve, health and token share one config file

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/coven-council/internal/auth"
	"github.com/2389/coven-council/internal/clock"
	"github.com/2389/coven-council/internal/config"
	"github.com/2389/coven-council/internal/dedupe"
	"github.com/2389/coven-council/internal/logging"
	"github.com/2389/coven-council/internal/notify"
	"github.com/2389/coven-council/internal/server"
	"github.com/2389/coven-council/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                _ _
  ___ ___  _   _ _ __   ___(_) |
 / __/ _ \| | | | '_ \ / __| | |
| (_| (_) | |_| | | | | (__| | |
 \___\___/ \__,_|_| |_|\___|_|_|
`

const dedupeMaxEntries = 100_000

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: council-server <command> [flags]")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                      Start the council server")
		fmt.Println("  init                       Write a config file with a fresh JWT secret")
		fmt.Println("  token --principal NAME     Mint a bearer token for a principal")
		fmt.Println("  health                     Check server health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "token":
		err = runToken(args)
	case "health":
		err = runHealth(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig parses the shared --config flag plus any extra flags and
// returns the loaded configuration.
func loadConfig(name string, args []string, extra func(*pflag.FlagSet)) (*config.Config, string, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", config.DefaultPath(), "path to config file")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, *configPath, nil
}

func runServe(ctx context.Context, args []string) error {
	cfg, configPath, err := loadConfig("serve", args, nil)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	logger := logging.New(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Server.DatabasePath)
	green.Print("    ▶ ")
	fmt.Printf("Credits:   %d per turn, %d for new accounts\n", cfg.Server.CostPerTurn, cfg.Server.InitialCredits)
	green.Print("    ▶ ")
	fmt.Print("Events:    ")
	if cfg.Events.AMQPURL != "" {
		cyan.Print(cfg.Events.Exchange)
		fmt.Println()
	} else {
		yellow.Println("disabled")
	}
	fmt.Println()

	st, err := store.NewSQLiteStore(cfg.Server.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	var pub notify.Publisher = notify.Nop{}
	if cfg.Events.AMQPURL != "" {
		amqpPub, err := notify.NewAMQPPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange, logger)
		if err != nil {
			return fmt.Errorf("connecting event broker: %w", err)
		}
		pub = amqpPub
	}
	clk := clock.Real()
	events := notify.NewEmitter(pub, "council-server", clk, logger)
	defer events.Close()

	dd := dedupe.New(cfg.Server.DedupeTTL, dedupeMaxEntries, clk)
	defer dd.Close()

	srv, err := server.New(server.Options{
		Addr:           cfg.Server.HTTPAddr,
		Store:          st,
		Verifier:       auth.NewJWTVerifier([]byte(cfg.Server.JWTSecret)),
		Events:         events,
		Dedupe:         dd,
		CostPerTurn:    cfg.Server.CostPerTurn,
		InitialCredits: cfg.Server.InitialCredits,
		AgentDelay:     cfg.Server.AgentDelay,
		MaxFileBytes:   cfg.Attachments.MaxBytes,
		Clock:          clk,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	logger.Info("starting council-server",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)
	return srv.ListenAndServe(ctx)
}

// runInit writes a starter config with a random JWT secret.
func runInit(args []string) error {
	fs := pflag.NewFlagSet("init", pflag.ContinueOnError)
	out := fs.StringP("config", "c", config.DefaultPath(), "path of the config file to write")
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*out); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", *out)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(secretBytes)

	dataDir := dataPath()
	content := fmt.Sprintf(`# council configuration
# Generated by council-server init

client:
  server_url: "ws://localhost:8080/ws"
  api_url: "http://localhost:8080"
  default_max_turns: 6

server:
  http_addr: "localhost:8080"
  jwt_secret: "%s"
  database_path: "%s"
  cost_per_turn: 1
  initial_credits: 100
  agent_delay: "750ms"

events:
  amqp_url: ""
  exchange: "council.events"

logging:
  level: "info"
  format: "text"
`, secret, filepath.Join(dataDir, "council.db"))

	if err := os.MkdirAll(filepath.Dir(*out), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(*out, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", *out)
	fmt.Println()
	fmt.Println("  Next:")
	fmt.Println("    council-server token --principal you   # mint a client token")
	fmt.Println("    council-server serve                   # start the server")
	return nil
}

// runToken mints a JWT and saves it where the client looks for one.
func runToken(args []string) error {
	var (
		principal string
		ttl       time.Duration
		output    string
	)
	cfg, _, err := loadConfig("token", args, func(fs *pflag.FlagSet) {
		fs.StringVarP(&principal, "principal", "p", "", "principal id to put in the token")
		fs.DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
		fs.StringVarP(&output, "output", "o", "", "token file (default: the client token path)")
	})
	if err != nil {
		return err
	}

	principal = strings.TrimSpace(principal)
	if principal == "" {
		return errors.New("--principal is required")
	}
	if cfg.Server.JWTSecret == "" {
		return errors.New("server.jwt_secret is not configured")
	}
	if output == "" {
		output = cfg.Client.TokenPath
	}
	if output == "" {
		output = auth.DefaultTokenPath()
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Server.JWTSecret)).Generate(principal, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	if err := os.WriteFile(output, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Saved token for %s: %s (expires %s)\n",
		principal, output, time.Now().Add(ttl).UTC().Format("Jan 02, 2006"))
	return nil
}

func runHealth(ctx context.Context, args []string) error {
	cfg, _, err := loadConfig("health", args, nil)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// dataPath returns $XDG_DATA_HOME/coven, falling back to ~/.local/share/coven.
func dataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "coven")
}
