package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"askloop/promptfeed/internal/aiquery"
	"askloop/promptfeed/internal/config"
	"askloop/promptfeed/internal/feed"
	importprompts "askloop/promptfeed/internal/import"
	"askloop/promptfeed/internal/models"
	"askloop/promptfeed/internal/scheduler"
	"askloop/promptfeed/internal/server"
	"askloop/promptfeed/internal/store"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func usage() {
	fmt.Println("Usage: promptfeed [command] [options]")
	fmt.Println("Commands: ask, start, serve, import")
	fmt.Println("\nFor command-specific options, use: promptfeed [command] -h")
}

func main() {
	cfg := config.DefaultConfig()

	askCmd := flag.NewFlagSet("ask", flag.ExitOnError)
	askCmd.StringVar(&cfg.DBPath, "db", config.GetEnvString("PROMPTFEED_DB_PATH", config.DefaultDBPath),
		"Path to the SQLite state file (env: PROMPTFEED_DB_PATH)")
	var askCategory string
	askCmd.StringVar(&askCategory, "category", "other",
		"Category tag: news, tech, science, business, personal, other")
	var askLogLevelStr string
	askCmd.StringVar(&askLogLevelStr, "log-level", config.GetEnvString("PROMPTFEED_LOG_LEVEL", config.DefaultLogLevel),
		"Log level: debug, info, warn, error (env: PROMPTFEED_LOG_LEVEL)")

	startCmd := flag.NewFlagSet("start", flag.ExitOnError)
	startCmd.StringVar(&cfg.DBPath, "db", config.GetEnvString("PROMPTFEED_DB_PATH", config.DefaultDBPath),
		"Path to the SQLite state file (env: PROMPTFEED_DB_PATH)")
	var intervalSeconds int
	startCmd.IntVar(&intervalSeconds, "interval", config.GetEnvInt("PROMPTFEED_INTERVAL", config.DefaultTickSeconds),
		"Seconds between due-check passes, 0 for a single recovery pass (env: PROMPTFEED_INTERVAL)")
	var startLogLevelStr string
	startCmd.StringVar(&startLogLevelStr, "log-level", config.GetEnvString("PROMPTFEED_LOG_LEVEL", config.DefaultLogLevel),
		"Log level: debug, info, warn, error (env: PROMPTFEED_LOG_LEVEL)")

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	serveCmd.StringVar(&cfg.DBPath, "db", config.GetEnvString("PROMPTFEED_DB_PATH", config.DefaultDBPath),
		"Path to the SQLite state file (env: PROMPTFEED_DB_PATH)")
	serveCmd.StringVar(&cfg.ServerHost, "host", config.GetEnvString("PROMPTFEED_HOST", config.DefaultServerHost),
		"Host to bind the server to (env: PROMPTFEED_HOST)")
	serveCmd.IntVar(&cfg.ServerPort, "port", config.GetEnvInt("PROMPTFEED_PORT", config.DefaultServerPort),
		"Port to listen on (env: PROMPTFEED_PORT)")
	var serveIntervalSeconds int
	serveCmd.IntVar(&serveIntervalSeconds, "interval", config.GetEnvInt("PROMPTFEED_INTERVAL", config.DefaultTickSeconds),
		"Seconds between due-check passes (env: PROMPTFEED_INTERVAL)")
	var serveLogLevelStr string
	serveCmd.StringVar(&serveLogLevelStr, "log-level", config.GetEnvString("PROMPTFEED_LOG_LEVEL", config.DefaultLogLevel),
		"Log level: debug, info, warn, error (env: PROMPTFEED_LOG_LEVEL)")

	importCmd := flag.NewFlagSet("import", flag.ExitOnError)
	importCmd.StringVar(&cfg.PromptsCSVPath, "csv", config.GetEnvString("PROMPTFEED_CSV_PATH", config.DefaultPromptsCSVPath),
		"Path to the prompts CSV file (env: PROMPTFEED_CSV_PATH)")
	importCmd.StringVar(&cfg.DBPath, "db", config.GetEnvString("PROMPTFEED_DB_PATH", config.DefaultDBPath),
		"Path to the SQLite state file (env: PROMPTFEED_DB_PATH)")
	var importLogLevelStr string
	importCmd.StringVar(&importLogLevelStr, "log-level", config.GetEnvString("PROMPTFEED_LOG_LEVEL", config.DefaultLogLevel),
		"Log level: debug, info, warn, error (env: PROMPTFEED_LOG_LEVEL)")

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "ask":
		askCmd.Parse(os.Args[2:])
		applyLogLevel(cfg, askLogLevelStr)

		if askCmd.NArg() < 1 {
			fmt.Println("Usage: promptfeed ask [options] \"question\"")
			os.Exit(1)
		}
		question := askCmd.Arg(0)

		if err := runAsk(cfg, question, models.Category(askCategory)); err != nil {
			log.Error().Err(err).Msg("Ask failed")
			os.Exit(1)
		}

	case "start":
		startCmd.Parse(os.Args[2:])
		applyLogLevel(cfg, startLogLevelStr)
		cfg.TickInterval = time.Duration(intervalSeconds) * time.Second

		if err := runStart(cfg); err != nil {
			log.Error().Err(err).Msg("Scheduler failed")
			os.Exit(1)
		}

	case "serve":
		serveCmd.Parse(os.Args[2:])
		applyLogLevel(cfg, serveLogLevelStr)
		cfg.TickInterval = time.Duration(serveIntervalSeconds) * time.Second

		if err := runServe(cfg); err != nil {
			log.Error().Err(err).Msg("Server failed")
			os.Exit(1)
		}

	case "import":
		importCmd.Parse(os.Args[2:])
		applyLogLevel(cfg, importLogLevelStr)

		if err := runImport(cfg); err != nil {
			log.Error().Err(err).Msg("Import failed")
			os.Exit(1)
		}

	case "-h", "--help", "help":
		usage()
		os.Exit(0)

	default:
		log.Error().Str("command", os.Args[1]).Msg("Unknown command")
		usage()
		os.Exit(1)
	}
}

func applyLogLevel(cfg *config.Config, levelStr string) {
	if level, err := zerolog.ParseLevel(levelStr); err == nil {
		cfg.LogLevel = level
	}
	zerolog.SetGlobalLevel(cfg.LogLevel)
}

// openFeed opens the store and loads the prompt collection into a repository.
// Corrupt persisted state is surfaced as a warning and the feed starts empty.
func openFeed(ctx context.Context, cfg *config.Config) (*store.Store, *feed.Repository, error) {
	st, err := store.Open(store.NewConfig(cfg.DBPath))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	repo := feed.NewRepository(st)
	if err := repo.Load(ctx); err != nil {
		if errors.Is(err, feed.ErrCorruptState) {
			log.Warn().Err(err).Msg("Persisted prompts were unreadable, starting with an empty feed")
		} else {
			st.Close()
			return nil, nil, fmt.Errorf("failed to load prompts: %w", err)
		}
	}
	return st, repo, nil
}

func newEngine(cfg *config.Config, repo *feed.Repository, st *store.Store) *scheduler.Engine {
	querier := aiquery.NewClient(aiquery.Config{
		BaseURL: cfg.AIBaseURL,
		APIKey:  cfg.AIAPIKey,
		Model:   cfg.AIModel,
		Timeout: cfg.QueryTimeout,
	})
	return scheduler.NewEngine(repo, querier, st, scheduler.Config{
		TickInterval: cfg.TickInterval,
	})
}

// runAsk executes a single question synchronously and prints the answer.
func runAsk(cfg *config.Config, question string, category models.Category) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	st, repo, err := openFeed(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	engine := newEngine(cfg, repo, st)
	p, err := engine.Ask(ctx, question, category)
	if err != nil {
		return err
	}

	fmt.Println(p.Response)
	if p.Source != models.SourceNone && p.Source != models.SourceError {
		fmt.Printf("\nSources: %s\n", p.Source)
	}

	return repo.Flush(ctx)
}

// runStart runs the scheduler daemon, or a single recovery pass when the
// interval is zero.
func runStart(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, repo, err := openFeed(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	engine := newEngine(cfg, repo, st)

	if cfg.TickInterval <= 0 {
		log.Info().Msg("Running in one-shot mode")
		engine.Recover(ctx)
		return repo.Flush(ctx)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-shutdown
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	return repo.Flush(flushCtx)
}

// runServe runs the scheduler daemon and the HTTP API in one process.
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, repo, err := openFeed(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	engine := newEngine(cfg, repo, st)
	go func() {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Scheduler stopped unexpectedly")
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-shutdown
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	if err := server.RunServer(ctx, repo, engine, cfg.ListenAddr(), log.Logger, cfg.APIKey); err != nil {
		return err
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	return repo.Flush(flushCtx)
}

// runImport bulk-loads scheduled prompts from a CSV file.
func runImport(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	st, repo, err := openFeed(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	importer := importprompts.NewImporter(repo)
	return importer.ImportPrompts(ctx, cfg.PromptsCSVPath)
}
