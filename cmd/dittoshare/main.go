package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/config"
)

// Set at build time with -ldflags "-X main.version=..."
var (
	version = "dev"
	commit  = "none"
)

const usage = `DittoShare - Shared File System Service

Usage:
  dittoshare <command> [flags]

Commands:
  start     Start the scheduler, share and data services
  init      Write a commented configuration file
  version   Print version information

Run 'dittoshare <command> -h' for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "start":
		err = runStart(os.Args[2:])
	case "init":
		err = runInit(os.Args[2:])
	case "version":
		fmt.Printf("dittoshare %s (commit %s)\n", version, commit)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to write the configuration file (default: "+config.GetDefaultConfigPath()+")")
	force := fs.Bool("force", false, "Overwrite an existing configuration file")
	_ = fs.Parse(args)

	path := *configPath
	if path == "" {
		var err error
		if path, err = config.InitConfig(*force); err != nil {
			return err
		}
	} else if err := config.InitConfigToPath(path, *force); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", path)
	fmt.Println("Edit the backends section, then run: dittoshare start --config " + path)
	return nil
}

func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file (default: "+config.GetDefaultConfigPath()+")")
	logLevel := fs.String("log-level", "", "Override the configured log level (DEBUG, INFO, WARN, ERROR)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := logger.Configure(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to configure logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("DittoShare %s starting", version)
	logger.Info("Log level: %s, store: %s, backends: %d", cfg.Logging.Level, cfg.Store.Type, len(cfg.Backends))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := config.InitializeMetrics(cfg)
	srv, err := config.InitializeServer(ctx, cfg, nil, m)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	logger.Info("Server is running. Press Ctrl+C to stop.")
	if err := srv.Serve(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
