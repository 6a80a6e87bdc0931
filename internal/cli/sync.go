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
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/wso2/api-platform/resilience/pkg/api"
	"github.com/wso2/api-platform/resilience/pkg/syncengine"
)

const (
	QueueCmdExample = `# List queued mutations
resilience-agent queue

# Replay the queue now
resilience-agent queue flush

# List mutations dropped from the queue
resilience-agent queue failed`
	SyncCmdExample = `# Incrementally sync a collection
resilience-agent sync parties

# Refetch a whole collection
resilience-agent sync parties --mode full`
	ConflictsCmdExample = `# List conflicts held for manual resolution
resilience-agent conflicts

# Keep the local edit of an entity
resilience-agent conflicts resolve parties p-17 --resolution client`
)

func newQueueCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "queue",
		Short:   "List queued mutations",
		Example: QueueCmdExample,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var queue []syncengine.PendingMutation
			if err := opts.client().get(cmd.Context(), "/sync/queue", &queue); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, queue, func(w io.Writer) {
				if len(queue) == 0 {
					fmt.Fprintln(w, "Queue is empty.")
					return
				}
				rows := make([][]string, 0, len(queue))
				for _, m := range queue {
					rows = append(rows, []string{m.Key, string(m.Kind), m.Collection, m.EntityID, formatTime(m.QueuedAt)})
				}
				printTable(w, []string{"KEY", "KIND", "COLLECTION", "ENTITY", "QUEUED_AT"}, rows)
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Replay queued mutations now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var result syncengine.FlushResult
			if err := opts.client().post(cmd.Context(), "/sync/flush", nil, &result); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, result, func(w io.Writer) {
				fmt.Fprintf(w, "Attempted: %d, succeeded: %d, dropped: %d, remaining: %d\n",
					result.Attempted, result.Succeeded, len(result.Dropped), result.Remaining)
				if result.Halted {
					fmt.Fprintf(w, "Halted: %s\n", result.HaltReason)
				}
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "failed",
		Short: "List mutations dropped from the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var failed []syncengine.FailedMutation
			if err := opts.client().get(cmd.Context(), "/sync/failed", &failed); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, failed, func(w io.Writer) {
				if len(failed) == 0 {
					fmt.Fprintln(w, "No failed mutations.")
					return
				}
				rows := make([][]string, 0, len(failed))
				for _, f := range failed {
					rows = append(rows, []string{f.Mutation.Key, f.Mutation.Collection, f.Mutation.EntityID,
						string(f.Kind), f.Error, formatTime(f.FailedAt)})
				}
				printTable(w, []string{"KEY", "COLLECTION", "ENTITY", "KIND", "ERROR", "FAILED_AT"}, rows)
			})
		},
	})
	return cmd
}

func newSyncCmd(opts *globalOptions) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:     "sync <collection>",
		Short:   "Synchronize a collection",
		Example: SyncCmdExample,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/sync/collections/" + url.PathEscape(args[0]) + "?mode=" + url.QueryEscape(mode)
			var result syncengine.SyncResult
			if err := opts.client().post(cmd.Context(), path, nil, &result); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, result, func(w io.Writer) {
				printTable(w, []string{"COLLECTION", "MODE", "FETCHED", "APPLIED", "REMOVED", "CONFLICTS", "CURSOR"},
					[][]string{{
						result.Collection, string(result.Mode), strconv.Itoa(result.Fetched), strconv.Itoa(result.Applied),
						strconv.Itoa(result.Removed), strconv.Itoa(result.Conflicts), orDash(result.Cursor),
					}})
			})
		},
	}
	addStringFlag(cmd.Flags(), FlagMode, &mode, string(syncengine.ModeIncremental), "Sync mode: incremental or full")
	return cmd
}

func newConflictsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conflicts",
		Short:   "List conflicts held for manual resolution",
		Example: ConflictsCmdExample,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var conflicts []syncengine.SyncConflict
			if err := opts.client().get(cmd.Context(), "/sync/conflicts", &conflicts); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, conflicts, func(w io.Writer) {
				if len(conflicts) == 0 {
					fmt.Fprintln(w, "No conflicts.")
					return
				}
				rows := make([][]string, 0, len(conflicts))
				for _, c := range conflicts {
					rows = append(rows, []string{c.Collection, c.EntityID, c.ServerVersion.Revision,
						c.LocalVersion.Revision, formatTime(c.DetectedAt)})
				}
				printTable(w, []string{"COLLECTION", "ENTITY", "SERVER_REV", "LOCAL_REV", "DETECTED_AT"}, rows)
			})
		},
	}

	var resolution string
	resolveCmd := &cobra.Command{
		Use:   "resolve <collection> <entity-id>",
		Short: "Resolve a held conflict",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/sync/conflicts/" + url.PathEscape(args[0]) + "/" + url.PathEscape(args[1]) + "/resolve"
			req := api.ResolveRequest{Resolution: syncengine.Resolution(resolution)}
			if err := opts.client().post(cmd.Context(), path, req, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Conflict on %s/%s resolved in favour of %s.\n", args[0], args[1], resolution)
			return nil
		},
	}
	addStringFlag(resolveCmd.Flags(), FlagResolution, &resolution, "", "Winning side: server or client")
	_ = resolveCmd.MarkFlagRequired(FlagResolution)
	cmd.AddCommand(resolveCmd)
	return cmd
}
