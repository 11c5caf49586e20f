// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-relay/internal/mcp"
	"github.com/jeranaias/rigrun-relay/internal/util"
)

func newMCPCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Manage MCP tool servers on the host",
		Long: `Manage Model Context Protocol servers on the host.

Servers run as child processes of the process that serves the host. Use
these commands against a "rigrun-relay serve" host (events.backend = "nats");
with the memory backend a service lives only as long as one command, so use
/mcp inside "rigrun-relay chat" instead.`,
	}

	run := func(command string, params func(args []string) (any, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			p, err := params(args)
			if err != nil {
				return err
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

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return serviceCall(ctx, rt, cmd.OutOrStdout(), command, p)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "start <name> <executable> [-- args...]",
			Short: "Start a server under a name",
			Args:  cobra.MinimumNArgs(2),
			RunE: run(mcp.CommandStartService, func(args []string) (any, error) {
				return mcp.StartParams{ServiceName: args[0], Executable: args[1], Args: args[2:]}, nil
			}),
		},
		&cobra.Command{
			Use:   "tools <name>",
			Short: "List the tools of a server",
			Args:  cobra.ExactArgs(1),
			RunE: run(mcp.CommandListTools, func(args []string) (any, error) {
				return mcp.ServiceParams{ServiceName: args[0]}, nil
			}),
		},
		&cobra.Command{
			Use:   "call <name> <tool> [json-arguments]",
			Short: "Call a tool with a JSON object of arguments",
			Args:  cobra.RangeArgs(2, 3),
			RunE: run(mcp.CommandCallTool, func(args []string) (any, error) {
				return callParams(args[0], args[1], strings.Join(args[2:], " "))
			}),
		},
		&cobra.Command{
			Use:   "services",
			Short: "List the running servers",
			Args:  cobra.NoArgs,
			RunE: run(mcp.CommandGetServices, func([]string) (any, error) {
				return struct{}{}, nil
			}),
		},
		&cobra.Command{
			Use:   "stop <name>",
			Short: "Stop a server",
			Args:  cobra.ExactArgs(1),
			RunE: run(mcp.CommandStopService, func(args []string) (any, error) {
				return mcp.ServiceParams{ServiceName: args[0]}, nil
			}),
		},
	)
	return cmd
}

// =============================================================================
// SHARED WITH THE REPL
// =============================================================================

func callParams(service, tool, arguments string) (mcp.CallParams, error) {
	p := mcp.CallParams{ServiceName: service, ToolName: tool}
	if arguments = strings.TrimSpace(arguments); arguments != "" {
		if !json.Valid([]byte(arguments)) {
			return p, errors.New("tool arguments must be JSON, e.g. '{\"name\":\"value\"}'")
		}
		p.Arguments = json.RawMessage(arguments)
	}
	return p, nil
}

// serviceCall sends one service command through rt and renders the reply.
func serviceCall(ctx context.Context, rt *Runtime, out io.Writer, command string, params any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	reply, err := rt.Call(ctx, command, data)
	if err != nil {
		return err
	}
	return renderServiceReply(out, command, reply)
}

// renderServiceReply prints a service command reply for people.
func renderServiceReply(out io.Writer, command string, reply json.RawMessage) error {
	switch command {
	case mcp.CommandGetServices:
		var names []string
		if err := json.Unmarshal(reply, &names); err != nil {
			return fmt.Errorf("failed to decode reply: %w", err)
		}
		if len(names) == 0 {
			fmt.Fprintln(out, DimStyle.Render("No services running."))
		}
		for _, name := range names {
			fmt.Fprintln(out, name)
		}

	case mcp.CommandListTools:
		var resp struct {
			Tools []struct {
				Name        string `json:"name"`
				Description string `json:"description"`
			} `json:"tools"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(reply, &resp); err != nil {
			return fmt.Errorf("failed to decode reply: %w", err)
		}
		fmt.Fprintln(out, DimStyle.Render(resp.Message))
		for _, tool := range resp.Tools {
			fmt.Fprintf(out, "%s %s\n", CommandStyle.Render(tool.Name), util.FirstLine(tool.Description))
		}

	case mcp.CommandCallTool:
		var resp struct {
			Result struct {
				Content []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"content"`
				IsError bool `json:"isError"`
			} `json:"result"`
		}
		if err := json.Unmarshal(reply, &resp); err != nil {
			return fmt.Errorf("failed to decode reply: %w", err)
		}
		for _, c := range resp.Result.Content {
			if c.Type == "text" {
				fmt.Fprintln(out, c.Text)
			} else {
				fmt.Fprintln(out, DimStyle.Render("["+c.Type+" content]"))
			}
		}
		if resp.Result.IsError {
			return errors.New("tool reported an error")
		}

	default:
		var resp struct {
			Success bool   `json:"success"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(reply, &resp); err != nil {
			return fmt.Errorf("failed to decode reply: %w", err)
		}
		if !resp.Success {
			return errors.New(resp.Message)
		}
		fmt.Fprintln(out, resp.Message)
	}
	return nil
}

// handleMCP runs a /mcp command line from the REPL.
func (r *repl) handleMCP(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		r.printMCPHelp()
		return
	}

	var (
		command string
		params  any
		err     error
	)
	switch sub, args := strings.ToLower(fields[0]), fields[1:]; {
	case sub == "start" && len(args) >= 2:
		command, params = mcp.CommandStartService, mcp.StartParams{ServiceName: args[0], Executable: args[1], Args: args[2:]}
	case sub == "tools" && len(args) == 1:
		command, params = mcp.CommandListTools, mcp.ServiceParams{ServiceName: args[0]}
	case sub == "call" && len(args) >= 2:
		// Everything after the tool name is the JSON argument object.
		rest := strings.TrimSpace(line)
		for _, f := range fields[:3] {
			rest = strings.TrimSpace(strings.TrimPrefix(rest, f))
		}
		command = mcp.CommandCallTool
		params, err = callParams(args[0], args[1], rest)
	case sub == "services" && len(args) == 0:
		command, params = mcp.CommandGetServices, struct{}{}
	case sub == "stop" && len(args) == 1:
		command, params = mcp.CommandStopService, mcp.ServiceParams{ServiceName: args[0]}
	default:
		r.printMCPHelp()
		return
	}

	if err == nil {
		err = serviceCall(context.Background(), r.rt, r.out, command, params)
	}
	if err != nil {
		fmt.Fprintf(r.errOut, "%s %v\n", ErrorStyle.Render("[Error]"), err)
	}
}

func (r *repl) printMCPHelp() {
	fmt.Fprintln(r.out, "Usage:")
	fmt.Fprintln(r.out, "  /mcp start <name> <executable> [args...]")
	fmt.Fprintln(r.out, "  /mcp tools <name>")
	fmt.Fprintln(r.out, "  /mcp call <name> <tool> [json-arguments]")
	fmt.Fprintln(r.out, "  /mcp services")
	fmt.Fprintln(r.out, "  /mcp stop <name>")
}
