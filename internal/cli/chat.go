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
	"path/filepath"
	"strings"
	"syscall"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-relay/internal/chat"
	"github.com/jeranaias/rigrun-relay/internal/config"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/util"
)

func newChatCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session.

Every message resends the whole conversation. Replies stream in as they
arrive; press Ctrl+C during a reply to cancel it and keep what arrived.

Interactive Commands:
  /help, /h          Show available commands
  /history           Show the conversation so far
  /model [name]      Show or switch the model for the next turn
  /status, /s        Show session state
  /mcp <command>     Manage MCP servers (start, tools, call, services, stop)
  /quit, /q          Exit chat (Ctrl+D also exits)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

// =============================================================================
// INPUT HISTORY
// =============================================================================

// lineInput provides input history and line editing.
type lineInput struct {
	line        *liner.State
	historyFile string
}

func newLineInput() *lineInput {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	in := &lineInput{line: line, historyFile: filepath.Join(dir, "chat_history")}

	if f, err := os.Open(in.historyFile); err == nil {
		in.line.ReadHistory(f)
		f.Close()
	}
	return in
}

// ReadInput reads a line, recording non-empty input in history.
func (in *lineInput) ReadInput(prompt string) (string, error) {
	input, err := in.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		in.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history with 0600 permissions and restores the terminal.
func (in *lineInput) Close() {
	if err := os.MkdirAll(filepath.Dir(in.historyFile), 0700); err == nil {
		if f, err := os.OpenFile(in.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			in.line.WriteHistory(f)
			f.Close()
		}
	}
	in.line.Close()
}

// =============================================================================
// CHAT HANDLER
// =============================================================================

func runChat(ctx context.Context, opts *rootOptions, out, errOut io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
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

	r := newRepl(rt, out, errOut)
	defer r.session.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.watchConfig(ctx, opts)

	r.printWelcome()

	input := newLineInput()
	defer input.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		text, err := input.ReadInput(PromptStyle.Render("relay> "))
		if err != nil {
			// Ctrl+C at the prompt, Ctrl+D or a closed stdin all end the session.
			fmt.Fprintln(out)
			return nil
		}
		if !r.handle(text) {
			return nil
		}
		r.waitTurn(ctx, sigCh)
	}
}

// =============================================================================
// REPL
// =============================================================================

// repl is the chat loop state, separated from the terminal for testing.
type repl struct {
	rt      *Runtime
	session *chat.Session
	out     io.Writer
	errOut  io.Writer
	render  bool
}

func newRepl(rt *Runtime, out, errOut io.Writer) *repl {
	r := &repl{
		rt:     rt,
		out:    out,
		errOut: errOut,
		render: isTerminalWriter(out),
	}
	r.session = rt.NewSession(chat.Options{
		OnFragment: func(_ string, fragment string) {
			fmt.Fprint(r.out, fragment)
		},
	})
	return r
}

func (r *repl) printWelcome() {
	fmt.Fprintln(r.out, TitleStyle.Render("rigrun-relay chat"))
	fmt.Fprintf(r.out, "%s %s via %s\n", RenderLabel("Model:"), r.session.Model(), r.rt.Config.DefaultProvider)
	fmt.Fprintln(r.out, DimStyle.Render("Type /help for commands, Ctrl+C cancels a reply, Ctrl+D exits."))
	fmt.Fprintln(r.out)
}

// handle processes one line of input. It returns false when the user asked
// to quit.
func (r *repl) handle(input string) bool {
	input = strings.TrimSpace(input)
	if input == "" {
		return true
	}
	if strings.HasPrefix(input, "/") {
		return r.handleSlash(input)
	}
	if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
		return false
	}

	if err := r.session.Submit(input); err != nil {
		if errors.Is(err, chat.ErrTurnInFlight) {
			fmt.Fprintln(r.errOut, WarningStyle.Render("A reply is still streaming; wait or press Ctrl+C."))
		} else {
			fmt.Fprintf(r.errOut, "%s %v\n", ErrorStyle.Render("[Error]"), err)
		}
	}
	return true
}

func (r *repl) handleSlash(input string) bool {
	fields := strings.Fields(input)
	name, args := strings.ToLower(fields[0]), fields[1:]

	switch name {
	case "/quit", "/q", "/exit":
		return false

	case "/help", "/h":
		r.printHelp()

	case "/history":
		r.printHistory()

	case "/model":
		if len(args) == 0 {
			fmt.Fprintf(r.out, "%s %s\n", RenderLabel("Model:"), r.session.Model())
			break
		}
		r.session.SetModel(args[0])
		fmt.Fprintf(r.out, "%s %s\n", RenderLabel("Model:"), args[0])

	case "/status", "/s":
		state := r.session.State()
		fmt.Fprintf(r.out, "%s %s\n", RenderLabel("Model:"), r.session.Model())
		fmt.Fprintf(r.out, "%s %d\n", RenderLabel("Messages:"), len(state.History))
		fmt.Fprintf(r.out, "%s %s\n", RenderLabel("Phase:"), state.Phase)
		if state.LastError != nil {
			fmt.Fprintf(r.out, "%s %v\n", RenderLabel("Last error:"), state.LastError)
		}

	case "/mcp":
		r.handleMCP(strings.TrimSpace(input[len(fields[0]):]))

	default:
		fmt.Fprintf(r.errOut, "%s unknown command %s (try /help)\n", ErrorStyle.Render("[Error]"), name)
	}
	return true
}

func (r *repl) printHelp() {
	commands := [][2]string{
		{"/help, /h", "Show available commands"},
		{"/history", "Show the conversation so far"},
		{"/model [name]", "Show or switch the model"},
		{"/status, /s", "Show session state"},
		{"/mcp <command>", "Manage MCP servers"},
		{"/quit, /q", "Exit chat"},
	}
	for _, c := range commands {
		// Pad on the plain text; the styled string carries escape codes.
		pad := strings.Repeat(" ", max(16-util.StringWidth(c[0]), 1))
		fmt.Fprintf(r.out, "  %s%s%s\n", CommandStyle.Render(c[0]), pad, c[1])
	}
}

func (r *repl) printHistory() {
	history := r.session.History()
	if len(history) == 0 {
		fmt.Fprintln(r.out, DimStyle.Render("No messages yet."))
		return
	}

	width := GetTerminalWidth() - 16
	for _, msg := range history {
		label := RenderLabel(msg.Role.DisplayName() + ":")
		if msg.Role == model.RoleReceived && r.render {
			fmt.Fprintf(r.out, "%s\n%s", label, renderMarkdown(msg.Content))
			continue
		}
		fmt.Fprintf(r.out, "%s %s\n", label, util.TruncateWidth(util.FirstLine(msg.Content), width))
	}
}

// waitTurn blocks until the session is idle. An interrupt cancels the
// in-flight reply.
func (r *repl) waitTurn(ctx context.Context, sigCh <-chan os.Signal) {
	if !r.session.IsLoading() {
		return
	}

	done := make(chan error, 1)
	go func() { done <- r.session.Wait(ctx) }()

	for {
		select {
		case <-done:
			fmt.Fprintln(r.out)
			if err := r.session.LastError(); err != nil {
				fmt.Fprintf(r.errOut, "%s %v\n", ErrorStyle.Render("[Error]"), err)
			}
			return
		case <-sigCh:
			if r.session.Cancel() {
				fmt.Fprint(r.errOut, "\n"+WarningStyle.Render("[Cancelled]"))
			}
		}
	}
}

// watchConfig picks up a new default model between turns. A --model flag
// pins the model and disables this.
func (r *repl) watchConfig(ctx context.Context, opts *rootOptions) {
	if opts.model != "" {
		return
	}
	path, err := opts.configFilePath()
	if err != nil {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}

	go func() {
		err := config.Watch(ctx, path, func(cfg *config.Config, err error) {
			if err != nil {
				r.rt.Log.Warn().Err(err).Str("path", path).Msg("Ignoring config reload")
				return
			}
			if cfg.DefaultModel != r.session.Model() {
				r.session.SetModel(cfg.DefaultModel)
				r.rt.Log.Info().Str("model", cfg.DefaultModel).Msg("Model changed by config reload")
			}
		})
		if err != nil {
			r.rt.Log.Debug().Err(err).Msg("Config watch unavailable")
		}
	}()
}
