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
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/mcplink/internal/commands/shared"
	"github.com/tombee/mcplink/internal/history"
	mcplink "github.com/tombee/mcplink/internal/mcp"
	pkgerrors "github.com/tombee/mcplink/pkg/errors"
)

type historyFlags struct {
	server  string
	outcome string
	since   time.Duration
	limit   int
	stats   bool
	prune   time.Duration
}

func newHistoryCommand() *cobra.Command {
	var f historyFlags

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent tool calls",
		Long: `Show tool calls recorded in the call history database.

Recording is enabled in mcp.yaml:

  history:
    enabled: true`,
		Example: `  # Example 1: Last 20 calls
  mcplink history --limit 20

  # Example 2: Failed calls to one server in the last hour
  mcplink history --server github --outcome error --since 1h

  # Example 3: Totals and average latency
  mcplink history --stats

  # Example 4: Drop calls older than 30 days
  mcplink history --prune 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, f)
		},
	}

	cmd.Flags().StringVar(&f.server, "server", "", "Only calls to this server")
	cmd.Flags().StringVar(&f.outcome, "outcome", "", "Only calls with this outcome (success, tool_error, error, cancelled)")
	cmd.Flags().DurationVar(&f.since, "since", 0, "Only calls within this duration")
	cmd.Flags().IntVar(&f.limit, "limit", 50, "Maximum number of calls to show")
	cmd.Flags().BoolVar(&f.stats, "stats", false, "Show aggregate statistics instead of calls")
	cmd.Flags().DurationVar(&f.prune, "prune", 0, "Delete calls older than this duration")

	return cmd
}

func openHistory() (*history.Store, error) {
	path, err := configPath()
	if err != nil {
		return nil, shared.NewConfigError("failed to locate mcp.yaml", err)
	}
	cfg, err := mcplink.LoadConfig(path)
	if err != nil {
		return nil, shared.NewConfigError("failed to load MCP configuration", err)
	}
	store, err := history.Open(history.Config{Path: cfg.History.Path})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to open call history")
	}
	return store, nil
}

func runHistory(cmd *cobra.Command, f historyFlags) error {
	ctx := cmd.Context()
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()

	if f.prune > 0 {
		n, err := store.DeleteOlderThan(ctx, time.Now().Add(-f.prune))
		if err != nil {
			return err
		}
		if shared.GetJSON() {
			return shared.WriteJSON(out, struct {
				shared.JSONResponse
				Deleted int64 `json:"deleted"`
			}{shared.NewJSONResponse("history"), n})
		}
		fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("deleted %d calls", n)))
		return nil
	}

	if f.stats {
		st, err := store.Summary(ctx, f.server)
		if err != nil {
			return err
		}
		if shared.GetJSON() {
			return shared.WriteJSON(out, struct {
				shared.JSONResponse
				Stats history.Stats `json:"stats"`
			}{shared.NewJSONResponse("history"), st})
		}
		fmt.Fprintf(out, "%s %d\n", shared.RenderLabel("Calls:      "), st.Calls)
		fmt.Fprintf(out, "%s %d\n", shared.RenderLabel("Errors:     "), st.Errors)
		fmt.Fprintf(out, "%s %d\n", shared.RenderLabel("Truncated:  "), st.Truncated)
		fmt.Fprintf(out, "%s %.1fms\n", shared.RenderLabel("Avg latency:"), st.AvgMS)
		return nil
	}

	filter := history.Filter{Server: f.server, Outcome: f.outcome, Limit: f.limit}
	if f.since > 0 {
		filter.Since = time.Now().Add(-f.since)
	}
	calls, err := store.Recent(ctx, filter)
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		return shared.WriteJSON(out, struct {
			shared.JSONResponse
			Calls []mcplink.CallRecord `json:"calls"`
		}{shared.NewJSONResponse("history"), calls})
	}

	if len(calls) == 0 {
		fmt.Fprintln(out, "No calls recorded.")
		return nil
	}

	fmt.Fprintf(out, "%-19s %-32s %-10s %-8s %-7s %s\n", "STARTED", "TOOL", "OUTCOME", "TIME", "TOKENS", "ERROR")
	fmt.Fprintln(out, strings.Repeat("-", 96))
	for _, c := range calls {
		tokens := fmt.Sprint(c.Tokens)
		if c.Truncated {
			tokens += "*"
		}
		fmt.Fprintf(out, "%-19s %-32s %-10s %-8s %-7s %s\n",
			c.StartedAt.Local().Format("2006-01-02 15:04:05"),
			truncate(c.Server+"."+c.Tool, 32),
			c.Outcome,
			formatDuration(c.Duration),
			tokens,
			truncate(firstLine(c.Error), 30),
		)
	}
	return nil
}
