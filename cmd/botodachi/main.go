// Botodachi is a local companion daemon for watching videos with an LLM.
//
// The browser extension reports what a tab is playing and pushes the
// captions it sees; Botodachi keeps a bounded, spoiler-aware caption
// buffer per tab and answers questions about the video from it.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	botodachi serve                          Start the API server
//	botodachi init [dir]                     Initialize a working directory
//	botodachi ask -vtt f.vtt -at 12:34 <q>   Ask about a local subtitle file
//	botodachi replay <file.vtt>              Replay a subtitle file through the buffer
//	botodachi version                        Print version and build information
//	botodachi -o json version                Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/botodachi/internal/api"
	"github.com/nugget/botodachi/internal/archive"
	"github.com/nugget/botodachi/internal/buildinfo"
	"github.com/nugget/botodachi/internal/captions"
	"github.com/nugget/botodachi/internal/companion"
	"github.com/nugget/botodachi/internal/config"
	"github.com/nugget/botodachi/internal/connwatch"
	"github.com/nugget/botodachi/internal/events"
	"github.com/nugget/botodachi/internal/llm"
	"github.com/nugget/botodachi/internal/logging"
	"github.com/nugget/botodachi/internal/mqtt"
	"github.com/nugget/botodachi/internal/prompts"
	"github.com/nugget/botodachi/internal/session"
	"github.com/nugget/botodachi/internal/summarizer"
	"github.com/nugget/botodachi/internal/usage"
	"github.com/nugget/botodachi/internal/sources"
)

// main only builds the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx controls the process lifetime,
// stdout receives logs and command output, and args is os.Args[1:].
// Arguments are parsed by hand to keep flag.CommandLine globals out of
// parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		opts, err := parseAskArgs(cmdArgs)
		if err != nil {
			return err
		}
		return runAsk(ctx, stdout, configPath, outputFmt, opts)
	case "replay":
		if len(cmdArgs) != 1 {
			return errors.New("usage: botodachi replay <file.vtt>")
		}
		return runReplay(ctx, stdout, cmdArgs[0], outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Get()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, info)
	for _, f := range info.Fields() {
		fmt.Fprintf(w, "  %-12s %s\n", f[0]+":", f[1])
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Botodachi - a companion for the videos you watch")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: botodachi [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                 Start the API server")
	fmt.Fprintln(w, "  init [dir]            Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask [opts] <q>        Ask about a local subtitle file")
	fmt.Fprintln(w, "      -vtt <file>         WebVTT file to watch (required)")
	fmt.Fprintln(w, "      -at <mm:ss>         Playback position (default: end of file)")
	fmt.Fprintln(w, "      -spoilers           Allow captions past the position")
	fmt.Fprintln(w, "      -model <name>       Model to ask (default: configured default)")
	fmt.Fprintln(w, "  replay <file.vtt>     Replay a subtitle file through the caption buffer")
	fmt.Fprintln(w, "  version               Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/botodachi/config.yaml, /etc/botodachi/config.yaml")
	return nil
}

// askOptions are the parsed arguments of the ask subcommand.
type askOptions struct {
	vttPath  string
	at       float64
	atSet    bool
	spoilers bool
	model    string
	question string
}

func parseAskArgs(args []string) (askOptions, error) {
	var opts askOptions
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-vtt" && i+1 < len(args):
			opts.vttPath = args[i+1]
			i++
		case args[i] == "-at" && i+1 < len(args):
			at, err := parsePlaybackTime(args[i+1])
			if err != nil {
				return opts, err
			}
			opts.at, opts.atSet = at, true
			i++
		case args[i] == "-model" && i+1 < len(args):
			opts.model = args[i+1]
			i++
		case args[i] == "-spoilers":
			opts.spoilers = true
		default:
			words = append(words, args[i])
		}
	}
	opts.question = strings.Join(words, " ")
	if opts.vttPath == "" || opts.question == "" {
		return opts, errors.New("usage: botodachi ask -vtt <file.vtt> [-at mm:ss] [-spoilers] [-model name] <question>")
	}
	return opts, nil
}

// parsePlaybackTime accepts seconds ("754.5"), mm:ss or hh:mm:ss.
func parsePlaybackTime(s string) (float64, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid playback time %q", s)
	}
	var total float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid playback time %q", s)
		}
		if i < len(parts)-1 && v != float64(int(v)) {
			return 0, fmt.Errorf("invalid playback time %q", s)
		}
		total = total*60 + v
	}
	return total, nil
}

// loadVTT reads a subtitle file into a replayable source.
func loadVTT(path string) (*sources.VTTSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open subtitles: %w", err)
	}
	defer f.Close()

	src, err := sources.LoadVTT(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return src, nil
}

// runReplay plays a subtitle file through a fresh buffer from start to
// finish and reports what the poller did. No model is contacted.
func runReplay(ctx context.Context, stdout io.Writer, path, outputFmt string) error {
	src, err := loadVTT(path)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pages := session.NewManager(session.Config{
		Buffer:           captions.DefaultConfig(),
		SpoilerLookahead: captions.DefaultSpoilerLookahead,
	}, nil, nil, logger)
	defer pages.CloseAll(context.Background(), "replay finished")

	svc := companion.New(companion.Config{}, nil, pages, nil, nil, logger)
	totals := svc.Replay(ctx, "replay", src, companion.ReplayIdentity(path), src.Duration())

	status, err := svc.Status("replay")
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"file":     path,
			"cues":     len(src.Cues()),
			"duration": src.Duration(),
			"totals":   totals,
			"buffered": status.Cues,
		})
	}

	fmt.Fprintf(stdout, "%s: %d cues, %s\n", path, len(src.Cues()), captions.FormatTimestamp(src.Duration()))
	fmt.Fprintf(stdout, "  ticks:     %d\n", totals.Ticks)
	fmt.Fprintf(stdout, "  appended:  %d\n", totals.Appended)
	fmt.Fprintf(stdout, "  merged:    %d\n", totals.Merged)
	fmt.Fprintf(stdout, "  rejected:  %d\n", totals.Rejected)
	fmt.Fprintf(stdout, "  trimmed:   %d\n", totals.Trimmed)
	fmt.Fprintf(stdout, "  buffered:  %d\n", status.Cues)
	return nil
}

// runAsk replays a subtitle file up to the requested position and asks
// the configured model one question about it. Useful for trying a model
// or persona without a browser.
func runAsk(ctx context.Context, stdout io.Writer, configPath, outputFmt string, opts askOptions) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, closeLog, err := configuredLogger(stdout, cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	src, err := loadVTT(opts.vttPath)
	if err != nil {
		return err
	}
	at := src.Duration()
	if opts.atSet {
		at = opts.at
	}

	client, err := createLLMClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	persona, err := prompts.LoadPersona(cfg.PersonaFile)
	if err != nil {
		return err
	}

	pages := session.NewManager(sessionConfig(cfg), nil, nil, logger)
	defer pages.CloseAll(context.Background(), "ask finished")
	svc := companion.New(companionConfig(cfg, persona), client, pages, nil, nil, logger)

	const pageID = "cli"
	meta := companion.ReplayIdentity(opts.vttPath)
	totals := svc.Replay(ctx, pageID, src, meta, at)
	logger.Debug("subtitles replayed", "at", at, "appended", totals.Appended, "merged", totals.Merged)

	ans, err := svc.Ask(ctx, pageID, companion.AskRequest{
		Question:      opts.question,
		Now:           at,
		AllowSpoilers: opts.spoilers,
		Model:         opts.model,
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ans)
	}
	fmt.Fprintln(stdout, ans.Text)
	return nil
}

// runServe is the primary operating mode: it loads config, opens the
// archive, builds the LLM chain and companion service, starts the API
// server (and MQTT publisher when configured) and blocks until a
// shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. Every open page is closed so its session is archived
//  4. The MQTT publisher goes offline and the database closes via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, closeLog, err := configuredLogger(stdout, cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	bi := buildinfo.Get()
	logger.Info("starting Botodachi", "version", bi.Version, "commit", bi.GitCommit, "branch", bi.GitBranch, "built", bi.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"listen", cfg.ListenAddr(),
		"data_dir", cfg.DataDir,
		"default_model", cfg.Models.Default,
		"spoiler_lookahead", cfg.Captions.SpoilerLookahead(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// --- Archive and preferences ---
	store, err := archive.NewStore(cfg.DatabasePath(), logger)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer store.Close()
	prefs := store.Prefs()
	logger.Info("archive opened", "path", cfg.DatabasePath(), "capture_enabled", prefs.CaptureEnabled())

	// --- LLM chain ---
	client, err := createLLMClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	persona, err := prompts.LoadPersona(cfg.PersonaFile)
	if err != nil {
		return err
	}
	if persona != "" {
		logger.Info("persona loaded", "path", cfg.PersonaFile, "bytes", len(persona))
	}

	// --- Companion ---
	bus := events.New()
	pages := session.NewManager(sessionConfig(cfg), store, bus, logger)
	svc := companion.New(companionConfig(cfg, persona), client, pages, prefs, bus, logger)

	ledger, err := usage.NewStore(cfg.UsagePath(), cfg.Pricing)
	if err != nil {
		return fmt.Errorf("open usage ledger: %w", err)
	}
	defer ledger.Close()
	svc.SetUsageRecorder(ledger)
	logger.Info("usage ledger opened", "path", cfg.UsagePath(), "priced_models", len(cfg.Pricing))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.Run(ctx)
	}()

	// --- Recaps ---
	if cfg.Recap.Enabled {
		recaps := summarizer.New(store, client, bus, logger, summarizer.Config{
			Model:    cfg.Recap.Model,
			Provider: cfg.ModelProvider(cfg.Recap.Model),
			Interval: cfg.Recap.Interval,
			MinCues:  cfg.Recap.MinCues,
		})
		recaps.SetUsageRecorder(ledger)
		recaps.Start(ctx)
		defer recaps.Stop()
	}

	// --- Connection watching ---
	connMgr := connwatch.NewManager(bus, logger)
	defer connMgr.Stop()
	connMgr.Watch(ctx, connwatch.Backend{Name: "llm", Probe: client.Ping})

	// --- Home Assistant via MQTT ---
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		tokens := mqtt.NewDailyTokens(nil)
		svc.SetTokenObserver(tokens)
		pub := mqtt.New(cfg.MQTT, instanceID, tokens, &statsAdapter{svc: svc}, prefs, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := pub.Stop(stopCtx); err != nil {
				logger.Warn("mqtt stop failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.Backend{Name: "mqtt", Probe: pub.AwaitConnection})
		logger.Info("mqtt publisher configured", "broker", cfg.MQTT.Broker, "device", cfg.MQTT.DeviceName, "instance_id", instanceID)
	}

	// --- API server ---
	server := api.NewServer(api.Config{
		Address:        cfg.Listen.Address,
		Port:           cfg.Listen.Port,
		AllowedOrigins: cfg.Listen.AllowedOrigins,
	}, svc, store, connMgr, bus, logger)
	server.SetUsage(ledger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", "error", err)
	}
	cancel()
	wg.Wait()

	logger.Info("Botodachi stopped")
	return nil
}

// statsAdapter exposes the companion service to the MQTT publisher.
type statsAdapter struct {
	svc *companion.Service
}

func (a *statsAdapter) Uptime() time.Duration   { return buildinfo.Uptime() }
func (a *statsAdapter) Version() string         { return buildinfo.Version }
func (a *statsAdapter) DefaultModel() string    { return a.svc.DefaultModel() }
func (a *statsAdapter) OpenPages() int          { return a.svc.Pages().Len() }
func (a *statsAdapter) QuestionsToday() int     { return a.svc.QuestionsToday() }
func (a *statsAdapter) LastAnswered() time.Time { return a.svc.LastAnswered() }

// NowWatching reports the page the extension heard from most recently.
func (a *statsAdapter) NowWatching() (mqtt.NowWatching, bool) {
	var latest *session.Page
	for _, p := range a.svc.Pages().Pages() {
		if latest == nil || p.LastSeen().After(latest.LastSeen()) {
			latest = p
		}
	}
	if latest == nil {
		return mqtt.NowWatching{}, false
	}
	st := latest.Status()
	if st.VideoID == "" {
		return mqtt.NowWatching{}, false
	}
	return mqtt.NowWatching{
		Title:    st.Title,
		VideoID:  st.VideoID,
		Platform: st.Platform,
		Position: st.Position,
		Paused:   st.Paused,
		Cues:     st.Cues,
	}, true
}

// loadConfig finds and loads the config file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// configuredLogger builds the logger the config asks for. Level and
// format were checked by Validate.
func configuredLogger(w io.Writer, cfg *config.Config) (*slog.Logger, func() error, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	logger, closeLog, err := logging.New(w, logging.Options{Level: level, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	slog.SetDefault(logger)
	return logger, closeLog, nil
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Buffer: captions.Config{
			Retention:      cfg.Captions.RetentionSeconds,
			MergeTolerance: cfg.Captions.MergeToleranceSeconds,
			MaxCues:        cfg.Captions.MaxCues,
			Strict:         cfg.Captions.Strict,
		},
		SpoilerLookahead: cfg.Captions.SpoilerLookahead(),
		MaxTurns:         cfg.Session.MaxTurns,
		IdleTimeout:      cfg.Session.IdleTimeout,
	}
}

func companionConfig(cfg *config.Config, persona string) companion.Config {
	models := make([]companion.Model, 0, len(cfg.Models.Available))
	for _, m := range cfg.Models.Available {
		models = append(models, companion.Model{Name: m.Name, Provider: m.Provider, ContextCues: m.ContextCues})
	}
	return companion.Config{
		DefaultModel:      cfg.Models.Default,
		Models:            models,
		MaxQuestionLength: cfg.Ask.MaxQuestionLength,
		AskTimeout:        cfg.Ask.Timeout,
		Temperature:       cfg.Ask.Temperature,
		MaxTokens:         cfg.Ask.MaxTokens,
		HistoryWindow:     cfg.Session.HistoryWindow,
		Persona:           persona,
		PollInterval:      cfg.Poll.Interval,
	}
}

// createLLMClient registers a client for every provider the models list
// names, routes each model to its provider and wraps the router in
// retries. Models not listed go to the default model's provider.
func createLLMClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	router := llm.NewRouter(cfg.ModelProvider(cfg.Models.Default))

	// The first model listed for a provider is the one its Ping uses.
	pingModel := map[string]string{router.ProviderFor(cfg.Models.Default): cfg.Models.Default}
	for _, m := range cfg.Models.Available {
		router.Route(m.Name, m.Provider)
		if _, ok := pingModel[m.Provider]; !ok {
			pingModel[m.Provider] = m.Name
		}
	}

	for provider, model := range pingModel {
		var (
			c   llm.Client
			err error
		)
		switch provider {
		case llm.ProviderOllama:
			c = llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
		case llm.ProviderAnthropic:
			c, err = llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.URL, logger)
		case llm.ProviderOpenAI:
			c, err = llm.NewOpenAIClient(llm.LangChainConfig{
				APIKey:    cfg.OpenAI.APIKey,
				BaseURL:   cfg.OpenAI.BaseURL,
				PingModel: model,
			}, logger)
		case llm.ProviderGoogle:
			c, err = llm.NewGoogleClient(ctx, llm.LangChainConfig{
				APIKey:    cfg.Google.APIKey,
				PingModel: model,
			}, logger)
		default:
			err = errors.New("unknown provider")
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", provider, err)
		}
		router.Register(provider, c)
		logger.Info("LLM provider configured", "provider", provider)
	}
	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", router.ProviderFor(cfg.Models.Default))

	return llm.NewRetryClient(router, llm.RetryConfig{
		MaxRetries:      cfg.Retry.MaxRetries,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		MaxElapsedTime:  cfg.Retry.MaxElapsed,
	}, logger), nil
}
