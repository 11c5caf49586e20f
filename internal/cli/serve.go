// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-relay/internal/host"
	"github.com/jeranaias/rigrun-relay/internal/hostevent"
)

type serveOptions struct {
	listenHost string
	listenPort int
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	serveOpts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the provider host over NATS",
		Long: `Run the provider host over NATS.

Clients configured with events.backend = "nats" and the same nats_url and
subject_prefix send their stream commands here and receive chunk, error and
end events back. MCP services started with "rigrun-relay mcp start" run
under this process until they are stopped or it exits. Without events.nats_url an embedded NATS server is started
on --listen-host/--listen-port.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, serveOpts, cmd)
		},
	}
	cmd.Flags().StringVar(&serveOpts.listenHost, "listen-host", "127.0.0.1", "Embedded NATS server host")
	cmd.Flags().IntVar(&serveOpts.listenPort, "listen-port", 4222, "Embedded NATS server port")
	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, serveOpts *serveOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	log, logCloser, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	url := cfg.Events.NATSURL
	if url == "" {
		srv, err := hostevent.NewEmbeddedServer(serveOpts.listenHost, serveOpts.listenPort, log)
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			srv.Stop()
			return err
		}
		defer srv.Stop()
		url = srv.ClientURL()
	}

	bus, err := hostevent.ConnectNATS(url, hostevent.NATSOptions{
		SubjectPrefix: cfg.Events.SubjectPrefix,
		Logger:        log,
	})
	if err != nil {
		return err
	}
	defer bus.Close()

	services := newServiceManager(log)
	defer func() {
		if err := services.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop MCP services")
		}
	}()

	h := newHost(cfg, bus, services, log)
	server := host.NewNATSServer(bus.Conn(), cfg.Events.SubjectPrefix, h, log)

	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", RenderLabel("NATS:"), url)
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", RenderLabel("Subject:"), server.Subject())
	fmt.Fprintln(cmd.OutOrStdout(), DimStyle.Render("Serving host commands; Ctrl+C stops."))

	return server.Serve(ctx)
}
