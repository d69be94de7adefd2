// Command socketgate serves a gateway with static public paths.
//
// Configuration priority: flags > environment > YAML file > defaults.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/socketgate/internal/config"
	"github.com/luciancaetano/socketgate/internal/logging"
	"github.com/luciancaetano/socketgate/ws"
)

type flags struct {
	config   string
	host     string
	port     int
	root     string
	logLevel string
	set      map[string]bool
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{set: make(map[string]bool)}
	fs := flag.NewFlagSet("socketgate", flag.ContinueOnError)
	fs.StringVar(&f.config, "config", os.Getenv(config.EnvConfig), "Path to a YAML config file")
	fs.StringVar(&f.host, "host", "", "Listen host (e.g., 0.0.0.0)")
	fs.IntVar(&f.port, "port", 0, "Listen port")
	fs.StringVar(&f.root, "root", "", "Directory public paths are resolved against")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	return f, nil
}

// loadConfig layers defaults, the YAML file, the environment and flags.
func loadConfig(f *flags, getenv func(string) string) (*config.Config, error) {
	cfg, err := config.Load(f.config)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}

	if f.set["host"] {
		cfg.Host = f.host
	}
	if f.set["port"] {
		cfg.Port = f.port
	}
	if f.set["root"] {
		cfg.Root = f.root
	}
	if f.set["log-level"] {
		cfg.LogLevel = f.logLevel
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, "config:", e)
		}
		return nil, fmt.Errorf("invalid configuration (%d errors)", len(errs))
	}
	return cfg, nil
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	cfg, err := loadConfig(f, os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.NewColoredLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogColors)
	defer logger.Sync()

	gw := ws.New(cfg.ServerConfig(logger))

	if err := gw.Start(context.Background()); err != nil {
		logger.ComponentError(logging.ComponentGeneral, "failed to start gateway", zap.Error(err))
		os.Exit(1)
	}
	logger.ComponentInfo(logging.ComponentGeneral, "gateway started",
		zap.String("addr", gw.Addr()),
		zap.Int("public_paths", len(cfg.PublicPaths)))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.ComponentInfo(logging.ComponentGeneral, "shutting down gateway...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(ctx); err != nil {
		logger.ComponentError(logging.ComponentGeneral, "gateway shutdown error", zap.Error(err))
	}
	logger.ComponentInfo(logging.ComponentGeneral, "gateway shutdown complete")
}
