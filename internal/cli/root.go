// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-relay/internal/config"
	"github.com/jeranaias/rigrun-relay/internal/logging"
)

// BuildInfo is stamped at build time via ldflags.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	model      string
	provider   string
	verbose    bool
}

// NewRootCommand builds the command tree.
func NewRootCommand(info BuildInfo) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "rigrun-relay",
		Short: "Stream chat completions from Anthropic and OpenAI",
		Long: `rigrun-relay streams chat completions from Anthropic and OpenAI.

A provider host turns upstream server-sent events into chunk, error and end
events. The relay bridges those events into a pull-based stream per request
and a chat session appends each fragment to the assistant reply as it lands.

Quick Start:
  rigrun-relay chat                      # Interactive chat
  rigrun-relay ask "What is 2+2?"        # One question, streamed to stdout
  rigrun-relay config init               # Write a default config file`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.Date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Config file (default ~/.rigrun-relay/config.toml)")
	flags.StringVarP(&opts.model, "model", "m", "", "Model to use (overrides config)")
	flags.StringVarP(&opts.provider, "provider", "p", "", "Provider: anthropic or openai (overrides config)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newChatCommand(opts),
		newAskCommand(opts),
		newConfigCommand(opts),
		newServeCommand(opts),
		newMCPCommand(opts),
		newVersionCommand(info),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute(info BuildInfo) {
	if err := NewRootCommand(info).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ErrorStyle.Render("Error:"), err)
		os.Exit(exitCode(err))
	}
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// loadConfig loads the config file and applies flag overrides.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFromPath(o.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if o.provider != "" {
		provider := strings.ToLower(o.provider)
		if o.model == "" && provider != strings.ToLower(cfg.DefaultProvider) {
			if p, ok := cfg.Provider(provider); ok && p.Model != "" {
				cfg.DefaultModel = p.Model
			}
		}
		cfg.DefaultProvider = provider
	}
	if o.model != "" {
		cfg.DefaultModel = o.model
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// configFilePath returns the file the config commands operate on.
func (o *rootOptions) configFilePath() (string, error) {
	if o.configPath != "" {
		return o.configPath, nil
	}
	return config.ConfigPathTOML()
}

// newLogger builds the process logger. The closer is never nil.
func newLogger(cfg *config.Config) (zerolog.Logger, io.Closer, error) {
	return logging.New(cfg.Logging)
}

// exitError carries a specific process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if ee, ok := err.(*exitError); ok {
		return ee.code
	}
	return 1
}
