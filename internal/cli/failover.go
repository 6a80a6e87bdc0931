/*
 * Copyright (c) 2026, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package cli

import (
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/wso2/api-platform/resilience/pkg/failover"
)

const (
	HistoryCmdExample = `# List recorded failovers, newest last
resilience-agent history`
	RecoverCmdExample = `# Run system recovery on a running agent
resilience-agent recover -o json`
)

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "history",
		Short:   "List failover history",
		Example: HistoryCmdExample,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var history []failover.Record
			if err := opts.client().get(cmd.Context(), "/failover/history", &history); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, history, func(w io.Writer) {
				if len(history) == 0 {
					fmt.Fprintln(w, "No failovers recorded.")
					return
				}
				rows := make([][]string, 0, len(history))
				for _, r := range history {
					rows = append(rows, []string{formatTime(r.Timestamp), r.From, r.To, r.Reason})
				}
				printTable(w, []string{"TIME", "FROM", "TO", "REASON"}, rows)
			})
		},
	}
}

func newResetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset failover status to HEALTHY",
		Long:  "Clears the consecutive failure count and a terminal FAILED status.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Status failover.Status `json:"status" yaml:"status"`
			}
			if err := opts.client().post(cmd.Context(), "/failover/reset", nil, &resp); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, resp, func(w io.Writer) {
				fmt.Fprintf(w, "Failover status: %s\n", resp.Status)
			})
		},
	}
}

func newRecoverCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "recover",
		Short:   "Run system recovery",
		Long:    "Runs the network, session, data and sync recovery steps in order and reports the outcome.",
		Example: RecoverCmdExample,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var result failover.RecoveryResult
			if err := opts.client().post(cmd.Context(), "/recovery", nil, &result, http.StatusServiceUnavailable); err != nil {
				return err
			}
			if err := render(cmd.OutOrStdout(), opts.output, result, func(w io.Writer) {
				printRecovery(w, result)
			}); err != nil {
				return err
			}
			if result.Outcome == failover.OutcomeRecoveryFailed {
				return fmt.Errorf("recovery failed at step %s: %s", result.FailedStep, result.Error)
			}
			return nil
		},
	}
}

func printRecovery(w io.Writer, r failover.RecoveryResult) {
	rows := make([][]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		status := "ok"
		if s.Error != "" {
			status = s.Error
		}
		rows = append(rows, []string{string(s.Step), s.Duration.String(), status})
	}
	printTable(w, []string{"STEP", "DURATION", "RESULT"}, rows)
	fmt.Fprintf(w, "Outcome: %s (elapsed %s)\n", r.Outcome, r.Elapsed)
}

func newSnapshotCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Show the latest recovery snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap failover.Snapshot
			if err := opts.client().get(cmd.Context(), "/recovery/snapshot", &snap); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, snap, func(w io.Writer) {
				rows := [][]string{
					{"id", snap.ID},
					{"created_at", formatTime(snap.CreatedAt)},
					{"stale", strconv.FormatBool(snap.Stale)},
					{"session_state", string(snap.SessionState)},
					{"session_valid", strconv.FormatBool(snap.SessionValid)},
					{"endpoint", orDash(snap.Endpoint)},
					{"settings_fingerprint", snap.SettingsFingerprint},
				}
				for _, name := range slices.Sorted(maps.Keys(snap.Cursors)) {
					rows = append(rows, []string{"cursor/" + name, snap.Cursors[name]})
				}
				printTable(w, []string{"FIELD", "VALUE"}, rows)
			})
		},
	}
}
