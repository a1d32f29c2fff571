// Command server runs the friendchat presence and messaging server.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aeolun/friendchat/pkg/database"
	"github.com/aeolun/friendchat/pkg/server"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

func main() {
	configPath := flag.String("config", "~/.friendchat/config.toml", "Path to config file")
	debug := flag.Bool("debug", false, "Enable debug logging (overrides [logging] level)")
	memory := flag.Bool("memory", false, "Use an in-memory store instead of SQLite")
	flag.Parse()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Logging.Level
	if *debug {
		level = "debug"
	}
	if err := server.ConfigureLogging(level, cfg.Logging.Format); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid logging config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Limits.BcryptCost > 0 {
		database.BcryptCost = cfg.Limits.BcryptCost
	}

	store, err := openStore(&cfg, *memory)
	if err != nil {
		logrus.WithError(err).Fatal("failed to open store")
	}

	srv := server.NewServer(store, cfg.ToServerConfig())
	if err := srv.Start(); err != nil {
		srv.Stop()
		logrus.WithError(err).Fatal("failed to start server")
	}

	logrus.WithFields(logrus.Fields{
		"http_port":    cfg.Server.HTTPPort,
		"tcp_port":     cfg.Server.TCPPort,
		"metrics_port": cfg.Server.MetricsPort,
		"ssh_port":     cfg.Server.SSHPort,
	}).Info("server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logrus.WithField("signal", sig.String()).Info("shutting down")

	if err := srv.Stop(); err != nil {
		logrus.WithError(err).Error("shutdown error")
		os.Exit(1)
	}
}

func openStore(cfg *server.TOMLConfig, memory bool) (server.Store, error) {
	path, err := cfg.GetDatabasePath()
	if err != nil {
		return nil, err
	}
	if memory || path == server.MemoryDatabasePath {
		logrus.Warn("using in-memory store; all data is lost on exit")
		return database.NewMemDB(), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := database.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	logrus.WithField("path", path).Info("database opened")
	return db, nil
}
