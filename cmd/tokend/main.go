// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

// Package main runs the token service against in-process cluster
// collaborators, for development and debugging.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/blang/semver/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/strandlabs/strand/internal/backend/tokens"
	"github.com/strandlabs/strand/internal/pkg/clustermeta"
	"github.com/strandlabs/strand/internal/pkg/config"
	"github.com/strandlabs/strand/internal/pkg/keys"
	"github.com/strandlabs/strand/internal/pkg/store/inmem"
	"github.com/strandlabs/strand/internal/version"
)

// nodeVersion is the version this build reports into the cluster minimum.
const nodeVersion = "7.1.0"

var cmdFlags struct {
	configPath string
	debug      bool
}

var rootCmd = &cobra.Command{
	Use:          version.Name,
	Short:        "Strand security token service",
	Version:      version.Tag,
	SilenceUsage: true,
	RunE: func(*cobra.Command, []string) error {
		return run()
	},
}

func run() error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}

	defer logger.Sync() //nolint:errcheck

	params, err := config.Load(cmdFlags.configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	channel := clustermeta.NewLocalChannel(semver.MustParse(nodeVersion), true, logger)

	keyManager, err := keys.NewManager(channel, logger)
	if err != nil {
		return err
	}

	deriver := keys.NewDeriver(logger)

	service := tokens.NewService(
		params,
		inmem.New(),
		keyManager,
		deriver,
		channel,
		tokens.RemoverFunc(func(timeout time.Duration) {
			logger.Info("expired token sweep requested", zap.Duration("timeout", timeout))
		}),
		clock.New(),
		logger,
	)

	registry := prometheus.NewRegistry()

	for _, collector := range []prometheus.Collector{service, deriver} {
		if err = registry.Register(collector); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	logger.Info("token service started",
		zap.String("version", version.Tag),
		zap.Bool("enabled", params.Enabled),
	)

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error { return keyManager.Run(ctx) })
	eg.Go(func() error { return deriver.Run(ctx) })

	return eg.Wait()
}

func buildLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()

	if cmdFlags.debug {
		cfg = zap.NewDevelopmentConfig()
	}

	return cfg.Build()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&cmdFlags.configPath, "config", "", "path to the yaml config file")
	rootCmd.Flags().BoolVar(&cmdFlags.debug, "debug", false, "enable debug logging")
}
