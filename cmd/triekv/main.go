package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/KevoDB/triekv/pkg/common/log"
	"github.com/KevoDB/triekv/pkg/config"
	"github.com/KevoDB/triekv/pkg/engine"
	"github.com/KevoDB/triekv/pkg/telemetry"
)

// Config holds the application configuration
type Config struct {
	ServerMode bool
	ListenAddr string
	HTTPAddr   string
	DBPath     string
	Mode       engine.Mode
	ConfigFile string

	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string

	LogLevel  string
	LogFormat string
	Telemetry bool
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logging: %v\n", err)
		os.Exit(1)
	}
	log.SetDefaultLogger(logger)

	dbOpts, err := engineOptions(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if cfg.ServerMode {
		if cfg.DBPath == "" {
			fmt.Fprintf(os.Stderr, "Error: Server mode requires a database path\n")
			os.Exit(1)
		}
		if err := runServer(cfg, logger, dbOpts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	runInteractive(cfg, dbOpts)
}

// parseFlags parses command line arguments into a Config
func parseFlags(args []string) (Config, error) {
	fs := flag.NewFlagSet("triekv", flag.ContinueOnError)
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, "TrieKV - an embedded memory-mapped trie key-value store\n\n")
		fmt.Fprintf(out, "Usage: triekv [options] [database_path]\n\n")
		fmt.Fprintf(out, "By default, triekv runs an interactive shell.\n")
		fmt.Fprintf(out, "With -server it serves the database over gRPC and HTTP.\n\n")
		fmt.Fprintf(out, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(out, "\nFor the shell commands, start triekv and type .help\n")
	}

	var cfg Config
	var mode string
	fs.BoolVar(&cfg.ServerMode, "server", false, "Run in server mode, exposing gRPC and HTTP APIs")
	fs.StringVar(&cfg.ListenAddr, "address", "localhost:50051", "gRPC listen address in server mode")
	fs.StringVar(&cfg.HTTPAddr, "http", "localhost:8080", "HTTP listen address in server mode (empty disables)")
	fs.StringVar(&mode, "mode", "", "Open mode: reader, writer-sync or writer-async (default writer-sync, writer-async with -server)")
	fs.StringVar(&cfg.ConfigFile, "config", "", "Configuration file (.json, .toml or .yaml)")

	fs.BoolVar(&cfg.TLSEnabled, "tls", false, "Enable TLS for the gRPC server")
	fs.StringVar(&cfg.TLSCertFile, "cert", "", "TLS certificate file path")
	fs.StringVar(&cfg.TLSKeyFile, "key", "", "TLS private key file path")
	fs.StringVar(&cfg.TLSCAFile, "ca", "", "TLS CA certificate file for client verification")

	fs.StringVar(&cfg.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides the config file)")
	fs.StringVar(&cfg.LogFormat, "log-format", "text", "Log format: text or json")
	fs.BoolVar(&cfg.Telemetry, "telemetry", true, "Export metrics and traces (see TRIEKV_TELEMETRY_* variables)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		cfg.DBPath = fs.Arg(0)
	}

	switch {
	case mode != "":
		m, err := engine.ParseMode(mode)
		if err != nil {
			return Config{}, err
		}
		cfg.Mode = m
	case cfg.ServerMode:
		cfg.Mode = engine.ModeWriterAsync
	default:
		cfg.Mode = engine.ModeWriterSync
	}

	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return Config{}, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	return cfg, nil
}

// newLogger builds the process logger. The json format logs through zap.
func newLogger(cfg Config) (log.Logger, error) {
	level := log.LevelInfo
	if cfg.LogLevel != "" {
		l, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		level = l
	}
	if cfg.LogFormat == "json" {
		return log.NewZapLogger(level)
	}
	return log.NewStandardLogger(log.WithLevel(level), log.WithOutput(os.Stderr)), nil
}

// engineOptions loads the database configuration named on the command line
func engineOptions(cfg Config, logger log.Logger) ([]engine.Option, error) {
	opts := []engine.Option{engine.WithLogger(logger)}
	if cfg.ConfigFile == "" {
		return opts, nil
	}
	dbCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.LogLevel == "" && dbCfg.LogLevel != "" {
		if level, err := log.ParseLevel(dbCfg.LogLevel); err == nil {
			logger.SetLevel(level)
		}
	}
	return append(opts, engine.WithConfig(dbCfg)), nil
}

// runServer opens the database and serves it until SIGINT or SIGTERM
func runServer(cfg Config, logger log.Logger, dbOpts []engine.Option) error {
	var tel telemetry.Telemetry = telemetry.NewNoop()
	if cfg.Telemetry {
		telCfg := telemetry.DefaultConfig()
		telCfg.LoadFromEnv()
		t, err := telemetry.New(telCfg)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		tel = t
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown: %v", err)
		}
	}()

	dbOpts = append(dbOpts, engine.WithTelemetry(tel))
	db, err := engine.Open(cfg.DBPath, cfg.Mode, dbOpts...)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("failed to close database: %v", err)
		}
	}()

	server, err := NewServer(db, cfg, logger, tel)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}
	fmt.Printf("TrieKV server started on %s (%s)\n", cfg.ListenAddr, cfg.Mode)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("shutdown: %v", err)
	}
	fmt.Println("Shutdown complete")
	return nil
}

// runInteractive starts the interactive shell
func runInteractive(cfg Config, dbOpts []engine.Option) {
	fmt.Println("TrieKV shell")
	fmt.Println("Enter .help for usage hints.")

	sh := newShell(os.Stdout, dbOpts)
	defer sh.close()

	if cfg.DBPath != "" {
		sh.open(cfg.DBPath, cfg.Mode)
	}

	historyFile := filepath.Join(os.TempDir(), ".triekv_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          sh.prompt(),
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		rl.SetPrompt(sh.prompt())

		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				fmt.Println("Goodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		if strings.TrimSpace(line) == "" {
			continue
		}
		if !sh.execute(context.Background(), line) {
			return
		}
	}
}
