// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rollup/lib/clock"
	"github.com/bureau-foundation/rollup/lib/epocharchive"
	"github.com/bureau-foundation/rollup/lib/rpc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		managerAddress     string
		serverAddress      string
		configPath         string
		workerBinary       string
		logLevel           string
		logFormat          string
		archiveCompression string
		showVersion        bool
	)

	flags := pflag.NewFlagSet(os.Args[0], pflag.ContinueOnError)
	flags.StringVar(&managerAddress, "manager-address", "", "address the manager binds to: host:port or unix:<path> (required)")
	flags.StringVar(&serverAddress, "server-address", "localhost:0", "bind address passed to every spawned worker")
	flags.StringVar(&configPath, "config", "", "optional YAML config file")
	flags.StringVar(&workerBinary, "worker-binary", "", "machine-emulator worker executable")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", "", "log format: text or json")
	flags.StringVar(&archiveCompression, "archive-compression", "", "epoch archive compression: zstd, lz4, none")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("rollup-machine-manager %d.%d.%d\n",
			managerVersion.Major, managerVersion.Minor, managerVersion.Patch)
		return nil
	}

	// A bare positional argument is a worker bind address.
	if positionals := flags.Args(); len(positionals) > 0 {
		serverAddress = positionals[len(positionals)-1]
	}

	if managerAddress == "" {
		return fmt.Errorf("missing manager-address")
	}

	config, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if flags.Changed("worker-binary") {
		config.WorkerBinary = workerBinary
	}
	if flags.Changed("log-level") {
		config.LogLevel = logLevel
	}
	if flags.Changed("log-format") {
		config.LogFormat = logFormat
	}
	if flags.Changed("archive-compression") {
		config.ArchiveCompression = archiveCompression
	}

	level, err := parseLogLevel(config.LogLevel)
	if err != nil {
		return err
	}
	logger, err := newLogger(config.LogFormat, level)
	if err != nil {
		return err
	}

	compression, err := epocharchive.ParseCompression(config.ArchiveCompression)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Workers are spawned detached; reap them as they exit.
	childSignals := notifyChildSignals()
	defer signal.Stop(childSignals)
	go reapChildren(logger, childSignals)

	manager := NewManager(logger, clock.Real(), serverAddress,
		newWorkerSpawner(logger, config.WorkerBinary), compression)

	server := rpc.NewServer(managerAddress, logger)
	manager.RegisterActions(server)

	// Bind before announcing: a port-0 manager address must resolve
	// to the real port before any worker is told to check in there.
	resolvedAddress, err := server.Listen()
	if err != nil {
		return err
	}
	manager.SetManagerAddress(resolvedAddress)

	logger.Info("rollup machine manager starting",
		"version", fmt.Sprintf("%d.%d.%d", managerVersion.Major, managerVersion.Minor, managerVersion.Patch),
		"manager_address", resolvedAddress,
		"server_address", serverAddress,
		"worker_binary", config.WorkerBinary,
	)

	serveErr := server.Serve(ctx)

	// The server has stopped accepting requests; kill whatever
	// workers remain.
	manager.Shutdown()
	return serveErr
}
