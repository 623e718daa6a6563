// Copyright 2026 The goshadow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command goshadow runs one end of the encrypted relay tunnel, either
// the client-side SOCKS5 listener or the server-side forwarder,
// according to its configuration file's role.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tuian/goshadow/internal/config"
	"github.com/tuian/goshadow/internal/logging"
	"github.com/tuian/goshadow/internal/metrics"
	"github.com/tuian/goshadow/internal/relay"
)

// sessionCapacity is the slab's token capacity. Each session consumes
// two tokens and the listener and the DNS resolver one each, so at
// most (sessionCapacity-2)/2 = 4095 TCP sessions run at once.
const sessionCapacity = 8192

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var roleOverride string
	var logLevelOverride string

	cmd := &cobra.Command{
		Use:   "goshadow",
		Short: "A shadowsocks-style encrypted TCP relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, roleOverride, logLevelOverride)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "goshadow.toml", "path to the TOML configuration file")
	flags.StringVar(&roleOverride, "role", "", "override the configured role (client|server)")
	flags.StringVar(&logLevelOverride, "log-level", "", "override the configured log level")

	return cmd
}

func run(configPath, roleOverride, logLevelOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("goshadow: %w", err)
	}
	if roleOverride != "" {
		cfg.Role = config.Role(roleOverride)
	}
	if logLevelOverride != "" {
		cfg.LogLevel = logLevelOverride
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("goshadow: %w", err)
	}

	if err := logging.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
		return fmt.Errorf("goshadow: configure logging: %w", err)
	}
	log := logging.L()
	defer log.Sync() //nolint:errcheck

	log.Info("starting",
		zap.String("role", string(cfg.Role)),
		zap.Stringer("local", cfg.Local),
		zap.Stringer("server", cfg.Server),
		zap.String("method", cfg.Method),
	)

	r, err := relay.New(cfg, sessionCapacity, log)
	if err != nil {
		return fmt.Errorf("goshadow: new relay: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	metricsErrCh := make(chan error, 1)
	go func() { metricsErrCh <- metrics.Serve(ctx, cfg.MetricsAddr) }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("goshadow: relay: %w", err)
		}
		return nil
	case err := <-metricsErrCh:
		if err != nil {
			log.Error("metrics server exited", zap.Error(err))
		}
		<-ctx.Done()
		return <-errCh
	}
}
