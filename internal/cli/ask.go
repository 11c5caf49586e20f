// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/rigrun-relay/internal/chat"
	"github.com/jeranaias/rigrun-relay/internal/model"
)

type askOptions struct {
	markdown bool
}

func newAskCommand(opts *rootOptions) *cobra.Command {
	askOpts := &askOptions{}

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question and stream the reply",
		Long: `Ask one question and stream the reply to stdout.

With no argument the question is read from stdin. The exit code is 1 when
the turn fails; a partial reply is still printed.`,
		Example: `  rigrun-relay ask "What is 2+2?"
  echo "Summarize this" | rigrun-relay ask
  rigrun-relay ask --provider openai --model gpt-4o "Hello"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := ""
			if len(args) == 1 {
				question = args[0]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read question from stdin: %w", err)
				}
				question = string(data)
			}
			if strings.TrimSpace(question) == "" {
				return errors.New("no question given")
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runAsk(ctx, opts, askOpts, question, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&askOpts.markdown, "markdown", false, "Render the reply as markdown once it settles (terminal only)")
	return cmd
}

func runAsk(ctx context.Context, opts *rootOptions, askOpts *askOptions, question string, out io.Writer) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	log, logCloser, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	rt, err := NewRuntime(cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	render := askOpts.markdown && isTerminalWriter(out)

	// Fragments are written from the session goroutine.
	var outMu sync.Mutex
	session := rt.NewSession(chat.Options{
		OnFragment: func(_ string, fragment string) {
			if render {
				return
			}
			outMu.Lock()
			fmt.Fprint(out, fragment)
			outMu.Unlock()
		},
	})
	defer session.Close()

	g, gctx := errgroup.WithContext(ctx)
	turnDone := make(chan struct{})

	g.Go(func() error {
		defer close(turnDone)
		if err := session.Submit(question); err != nil {
			return err
		}
		if err := session.Wait(gctx); err != nil {
			session.Cancel()
			return err
		}

		outMu.Lock()
		defer outMu.Unlock()
		history := session.History()
		if reply := history[len(history)-1]; render && reply.Role == model.RoleReceived {
			fmt.Fprint(out, renderMarkdown(reply.Content))
		} else {
			fmt.Fprintln(out)
		}
		return nil
	})

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case <-sigCh:
			session.Cancel()
			return nil
		case <-turnDone:
			return nil
		case <-gctx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if err := session.LastError(); err != nil {
		return &exitError{code: 1, err: err}
	}
	return nil
}
