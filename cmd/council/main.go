// ABOUTME: Terminal client for council conversations over the websocket protocol
// ABOUTME: Readline-style input with slash commands; agent replies render as terminal markdown

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/coven-council/internal/attach"
	"github.com/2389/coven-council/internal/auth"
	"github.com/2389/coven-council/internal/client"
	"github.com/2389/coven-council/internal/clock"
	"github.com/2389/coven-council/internal/config"
	"github.com/2389/coven-council/internal/conversation"
	"github.com/2389/coven-council/internal/gate"
	"github.com/2389/coven-council/internal/logging"
	"github.com/2389/coven-council/internal/resume"
	"github.com/2389/coven-council/internal/transport"
)

func main() {
	configPath := pflag.StringP("config", "c", config.DefaultPath(), "path to config file")
	serverURL := pflag.String("server", "", "websocket URL (overrides client.server_url)")
	apiURL := pflag.String("api", "", "HTTP API base URL (overrides client.api_url)")
	agents := pflag.StringSliceP("agents", "a", nil, "agents to talk to, comma separated")
	maxTurns := pflag.IntP("max-turns", "m", 0, "turns per round (overrides client.default_max_turns)")
	debug := pflag.Bool("debug", false, "log at debug level")
	pflag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading config: %v\n", err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.Client.ServerURL = *serverURL
	}
	if *apiURL != "" {
		cfg.Client.APIURL = *apiURL
	}
	if *maxTurns > 0 {
		cfg.Client.DefaultMaxTurns = *maxTurns
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.ValidateClient(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *agents); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nGoodbye!")
}

// quickStartOrigin is the highest priority resume origin in the default config.
const quickStartOrigin = "quickStart"

// app holds the wired client and the REPL state.
type app struct {
	client   *client.Client
	files    *attach.Set
	pipeline *attach.Pipeline
	view     *view

	selected []string
}

func run(ctx context.Context, cfg *config.Config, agents []string) error {
	logger := logging.New(cfg.Logging, os.Stderr)
	clk := clock.Real()
	tokens := auth.NewFileTokenSource(cfg.Client.TokenPath)

	backend, err := openResumeBackend(cfg.Resume)
	if err != nil {
		return err
	}
	defer backend.Close()

	ch := transport.New(transport.Options{
		URL:           cfg.Client.ServerURL,
		Tokens:        tokens,
		ReconnectBase: cfg.Transport.ReconnectBase,
		ReconnectMax:  cfg.Transport.ReconnectMax,
		JitterPercent: cfg.Transport.JitterPercent,
		WriteTimeout:  cfg.Transport.WriteTimeout,
		SendBuffer:    cfg.Transport.SendBuffer,
		Clock:         clk,
		Logger:        logger,
	})

	v := newView(os.Stdout)
	files := attach.NewSet(cfg.Attachments.MaxBytes)
	c := client.New(client.Options{
		Transport:    ch,
		Gate:         gate.NewHTTPChecker(cfg.Client.APIURL, tokens, nil, logger),
		Tokens:       tokens,
		Resume:       resume.NewStore(backend, cfg.Resume.Origins, cfg.Resume.TTL, clk, logger),
		Attachments:  files,
		Notifier:     v,
		Clock:        clk,
		StartTimeout: cfg.Client.StartTimeout,
		TurnTimeout:  cfg.Client.TurnTimeout,
		MaxTurns:     cfg.Client.DefaultMaxTurns,
		Logger:       logger,
	})

	a := &app{
		client:   c,
		files:    files,
		pipeline: attach.NewPipeline(attach.NewHTTPExtractor(cfg.Client.APIURL, tokens, nil), cfg.Attachments.Concurrency, logger),
		view:     v,
		selected: agents,
	}

	fmt.Printf("council connecting to %s\n", cfg.Client.ServerURL)
	if err := c.Connect(ctx); err != nil {
		if errors.Is(err, auth.ErrNoToken) {
			return fmt.Errorf("no token found (set %s or run council-server token): %w", auth.DefaultTokenEnv, err)
		}
		return err
	}
	defer c.Close()

	go func() {
		for s := range c.Subscribe(ctx) {
			v.Render(s)
		}
	}()

	if origin, err := c.Mount(ctx); err != nil {
		c.Report(err)
	} else if origin != "" {
		v.Printf("Resumed a conversation saved from %s.\n", origin)
	}

	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()
	return a.loop(ctx, os.Stdin)
}

func openResumeBackend(cfg config.ResumeConfig) (resume.Backend, error) {
	if cfg.Backend == "memory" {
		return resume.NewMemoryBackend(), nil
	}
	dsn := cfg.DSN
	if dsn == "" {
		dsn = filepath.Join(stateDir(), "council-resume.db")
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}
	b, err := resume.NewSQLiteBackend(dsn)
	if err != nil {
		return nil, fmt.Errorf("opening resume store: %w", err)
	}
	return b, nil
}

// stateDir returns $XDG_STATE_HOME/coven, falling back to ~/.local/state/coven.
func stateDir() string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "coven")
}

func (a *app) loop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)

	for {
		a.prompt()

		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)
		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else {
				if err := scanner.Err(); err != nil {
					errCh <- err
				} else {
					errCh <- io.EOF
				}
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if quit := a.execute(ctx, input); quit {
			return nil
		}
	}
}

func (a *app) prompt() {
	label := "> "
	if len(a.selected) > 0 {
		label = fmt.Sprintf("[%s]> ", strings.Join(a.selected, ","))
	}
	a.view.Printf("%s", label)
}

// execute runs one line of input. It reports whether the user asked to quit.
func (a *app) execute(ctx context.Context, input string) bool {
	if !strings.HasPrefix(input, "/") {
		a.say(ctx, input)
		return false
	}

	cmd, args, _ := strings.Cut(input, " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "/quit", "/exit", "/q":
		return true
	case "/help":
		printHelp()
	case "/agents":
		a.selectAgents(args)
	case "/start":
		a.start(ctx, args)
	case "/send":
		a.send(ctx, args)
	case "/stop":
		a.client.Report(a.client.Stop(ctx))
	case "/leave":
		a.client.Leave()
		a.view.Printf("Left the conversation.\n")
	case "/attach":
		a.attach(args)
	case "/detach":
		if a.files.Remove(args) {
			a.view.Printf("Removed %s.\n", args)
		} else {
			a.client.Report(fmt.Errorf("%w: %s", attach.ErrFileNotFound, args))
		}
	case "/files":
		a.listFiles()
	case "/extract":
		a.client.Report(a.pipeline.Extract(ctx, a.files))
		a.listFiles()
	case "/save":
		a.save(ctx, args)
	case "/quickstart":
		a.save(ctx, quickStartOrigin+" "+args)
	case "/status":
		s, ok := a.client.Snapshot()
		a.view.Status(s, ok)
	default:
		a.view.Printf("Unknown command %s. /help lists commands.\n", cmd)
	}
	return false
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /agents A,B,...      Select the agents for the next start or message")
	fmt.Println("  /start <message>     Start a conversation with the selected agents")
	fmt.Println("  /send <message>      Send a follow-up message")
	fmt.Println("  /stop                Stop the active conversation")
	fmt.Println("  /leave               Leave the conversation and forget it")
	fmt.Println("  /attach <path>       Attach a file to the next start")
	fmt.Println("  /detach <id>         Remove an attachment")
	fmt.Println("  /files               List attachments")
	fmt.Println("  /extract             Extract text from pending attachments")
	fmt.Println("  /save <origin> <msg> Save a selection to start on next launch")
	fmt.Println("  /quickstart <msg>    Same as /save quickStart <msg>")
	fmt.Println("  /status              Show the conversation state")
	fmt.Println("  /help                Show this help")
	fmt.Println("  /quit                Exit")
	fmt.Println()
	fmt.Println("Plain text starts a conversation when none is active, otherwise it is sent.")
}

func (a *app) selectAgents(args string) {
	if args == "" {
		a.selected = nil
		a.view.Printf("Cleared agent selection.\n")
		return
	}
	var ids []string
	for _, id := range strings.Split(args, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	a.selected = ids
	a.view.Printf("Now talking to %s.\n", strings.Join(ids, ", "))
}

// say starts a conversation or sends to the live one.
func (a *app) say(ctx context.Context, text string) {
	s, ok := a.client.Snapshot()
	if ok && (s.State == conversation.StateActive || s.State == conversation.StateTurnInFlight) {
		a.send(ctx, text)
		return
	}
	a.start(ctx, text)
}

func (a *app) start(ctx context.Context, text string) {
	// Pending attachments are extracted first so their text rides along.
	// A file that fails stays Not Processed and is left out of the start.
	if a.files.Len() > 0 {
		a.client.Report(a.pipeline.Extract(ctx, a.files))
	}

	_, err := a.client.Start(ctx, conversation.StartRequest{
		AgentIDs: a.selected,
		Message:  text,
	})
	if err != nil {
		if conversation.IsPrecondition(err) {
			a.view.Printf("%v\n", err)
			return
		}
		a.client.Report(err)
		return
	}
	a.files.Clear()
}

func (a *app) send(ctx context.Context, text string) {
	agents := a.selected
	if len(agents) == 0 {
		if s, ok := a.client.Snapshot(); ok {
			agents = s.Participants
		}
	}
	if err := a.client.Send(ctx, text, agents); err != nil {
		if conversation.IsPrecondition(err) {
			a.view.Printf("%v\n", err)
			return
		}
		a.client.Report(err)
	}
}

func (a *app) attach(path string) {
	if path == "" {
		a.view.Printf("Usage: /attach <path>\n")
		return
	}
	content, err := os.ReadFile(path)
	if err != nil {
		a.client.Report(fmt.Errorf("reading %s: %w", path, err))
		return
	}
	f, err := a.files.Add(path, "", content)
	if err != nil {
		a.client.Report(err)
		return
	}
	a.view.Printf("Attached %s (%s, %d bytes) as %s.\n", f.Name, f.MediaType, f.Size, f.ID)
}

func (a *app) listFiles() {
	files := a.files.Files()
	if len(files) == 0 {
		a.view.Printf("No attachments.\n")
		return
	}
	gray := color.New(color.FgHiBlack)
	for _, f := range files {
		a.view.Printf("  %s  %s %s\n", f.ID, f.Name, gray.Sprintf("[%s, %d bytes, %s]", f.MediaType, f.Size, f.Status()))
	}
}

func (a *app) save(ctx context.Context, args string) {
	origin, message, _ := strings.Cut(args, " ")
	if origin == "" || strings.TrimSpace(message) == "" {
		a.view.Printf("Usage: /save <origin> <message>\n")
		return
	}
	if err := a.client.CaptureForResume(ctx, origin, a.selected, strings.TrimSpace(message)); err != nil {
		a.client.Report(err)
		return
	}
	a.view.Printf("Saved. It starts automatically next launch if still fresh.\n")
}
