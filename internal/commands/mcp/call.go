// Copyright 2025 Tom Barlow
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
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"github.com/tombee/mcplink/internal/commands/shared"
	"github.com/tombee/mcplink/internal/jq"
	mcplink "github.com/tombee/mcplink/internal/mcp"
	"github.com/tombee/mcplink/internal/mcp/progress"
	pkgerrors "github.com/tombee/mcplink/pkg/errors"
)

type callFlags struct {
	args       string
	timeout    time.Duration
	jqExpr     string
	progress   bool
	noValidate bool
}

func newCallCommand() *cobra.Command {
	var f callFlags

	cmd := &cobra.Command{
		Use:   "call <server.tool>",
		Short: "Call a tool on an MCP server",
		Long: `Call a tool and print its result.

Text content is printed as is. Large results are truncated to the output token
limit configured in mcp.yaml. Press Ctrl-C to cancel; the server is told the
request was cancelled.

Exit status is 5 when the tool reports an error and 124 on timeout.`,
		Example: `  # Example 1: Call a tool with arguments
  mcplink call files.read_file --args '{"path": "README.md"}'

  # Example 2: Show progress for a long-running tool
  mcplink call indexer.reindex --progress --timeout 10m

  # Example 3: Extract a field from structured output
  mcplink call github.list_issues --args '{"repo": "tombee/mcplink"}' --jq '.structuredContent.issues[].title'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, args[0], f)
		},
	}

	cmd.Flags().StringVar(&f.args, "args", "{}", "Tool arguments as a JSON object")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Call timeout (default from mcp.yaml)")
	cmd.Flags().StringVar(&f.jqExpr, "jq", "", "jq expression applied to the result")
	cmd.Flags().BoolVar(&f.progress, "progress", false, "Show progress notifications on stderr")
	cmd.Flags().BoolVar(&f.noValidate, "no-validate", false, "Skip output schema validation")

	return cmd
}

// parseArguments decodes --args into a JSON object.
func parseArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, &pkgerrors.ValidationError{
			Field:   "args",
			Message: fmt.Sprintf("not a JSON object: %v", err),
			Hint:    `Pass a JSON object, e.g. --args '{"path": "README.md"}'`,
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

type callOutput struct {
	shared.JSONResponse
	Tool         string              `json:"tool"`
	Result       *mcp.CallToolResult `json:"result,omitempty"`
	Filtered     any                 `json:"filtered,omitempty"`
	Truncated    bool                `json:"truncated,omitempty"`
	Tokens       int                 `json:"tokens"`
	Cancelled    bool                `json:"cancelled,omitempty"`
	CancelReason string              `json:"cancel_reason,omitempty"`
}

func runCall(cmd *cobra.Command, name string, f callFlags) error {
	tid, err := mcplink.ParseToolID(name)
	if err != nil {
		return shared.NewUsageError("invalid tool name", err)
	}
	arguments, err := parseArguments(f.args)
	if err != nil {
		return err
	}
	executor := jq.NewExecutor(0, 0)
	if err := executor.Validate(f.jqExpr); err != nil {
		return &pkgerrors.ValidationError{Field: "jq", Message: err.Error()}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := openSession(ctx, sessionOptions{servers: []string{tid.Server().String()}})
	if err != nil {
		return err
	}
	defer s.Close()

	opts := mcplink.CallOptions{
		Timeout:              f.timeout,
		SkipOutputValidation: f.noValidate,
	}
	if f.progress {
		opts.ProgressToken = s.progress.CreateToken()
		s.progress.OnProgress(opts.ProgressToken, progressPrinter(cmd.ErrOrStderr()))
		defer s.progress.Cleanup(opts.ProgressToken)
	}

	start := time.Now()
	res, err := callUntilInterrupted(ctx, s.manager, tid.String(), arguments, opts)
	if f.progress && shared.IsTerminal(cmd.ErrOrStderr()) {
		fmt.Fprintln(cmd.ErrOrStderr())
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &pkgerrors.TimeoutError{
				Operation: "tool call " + tid.String(),
				Duration:  time.Since(start).Round(time.Millisecond),
				Cause:     err,
			}
		}
		return err
	}

	if res.Cancelled {
		return &shared.ExitError{Code: shared.ExitInterrupted, Message: "call cancelled: " + res.CancelReason}
	}

	var filtered any
	if f.jqExpr != "" {
		filtered, err = executor.Execute(ctx, f.jqExpr, res.Result)
		if err != nil {
			return fmt.Errorf("jq: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		resp := callOutput{
			JSONResponse: shared.NewJSONResponse("call"),
			Tool:         tid.String(),
			Truncated:    res.Truncated,
			Tokens:       res.Tokens,
		}
		if f.jqExpr != "" {
			resp.Filtered = filtered
		} else {
			resp.Result = res.Result
		}
		resp.Success = !res.Result.IsError
		if err := shared.WriteJSON(out, resp); err != nil {
			return err
		}
	} else {
		if f.jqExpr != "" {
			if err := writeValue(out, filtered); err != nil {
				return err
			}
		} else {
			writeResult(out, res.Result)
		}
		if res.Truncated {
			fmt.Fprintln(cmd.ErrOrStderr(), shared.RenderWarn(fmt.Sprintf("output truncated to %d tokens", res.Tokens)))
		}
	}

	if res.Result.IsError {
		return shared.NewToolError(fmt.Sprintf("tool '%s' reported an error", tid))
	}
	return nil
}

// callUntilInterrupted runs the call in the background and cancels it on
// SIGINT or SIGTERM, so the server receives a cancel notice.
func callUntilInterrupted(ctx context.Context, m *mcplink.Manager, name string, args map[string]any, opts mcplink.CallOptions) (*mcplink.CallResult, error) {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pending, err := m.CallToolCancellable(context.WithoutCancel(ctx), name, args, opts)
	if err != nil {
		return nil, err
	}

	select {
	case <-pending.Done():
	case <-sigCtx.Done():
		pending.Cancel("interrupted by user")
	}
	return pending.Wait(context.Background())
}

func writeResult(out io.Writer, res *mcp.CallToolResult) {
	if len(res.Content) > 0 {
		writeContent(out, res.Content)
		return
	}
	if res.StructuredContent != nil {
		_ = writeValue(out, res.StructuredContent)
	}
}

// progressPrinter renders progress updates on w, in place on a terminal.
func progressPrinter(w io.Writer) func(progress.Update) {
	tty := shared.IsTerminal(w)
	return func(u progress.Update) {
		line := fmt.Sprintf("%.0f", u.Progress)
		if u.Total > 0 {
			line = fmt.Sprintf("%3.0f%%", 100*u.Progress/u.Total)
		}
		if u.Message != "" {
			line += " " + u.Message
		}
		if tty {
			fmt.Fprintf(w, "\r\033[K%s %s", shared.StatusInfo.Render(shared.SymbolInfo), line)
			return
		}
		fmt.Fprintf(w, "progress: %s\n", line)
	}
}
