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
	"strconv"

	"github.com/spf13/cobra"

	"github.com/wso2/api-platform/resilience/pkg/api"
	"github.com/wso2/api-platform/resilience/pkg/session"
)

const (
	StatusCmdLiteral = "status"
	StatusCmdExample = `# Show the status of a running agent
resilience-agent status

# Show the status as YAML
resilience-agent status -o yaml`
)

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     StatusCmdLiteral,
		Short:   "Show component status",
		Long:    "Shows session, connectivity, failover, sync and channel status of a running agent.",
		Example: StatusCmdExample,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var status api.StatusResponse
			if err := opts.client().get(cmd.Context(), "/status", &status); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, status, func(w io.Writer) {
				printStatus(w, status)
			})
		},
	}
}

func printStatus(w io.Writer, s api.StatusResponse) {
	rows := [][]string{
		{"session", string(s.Session.State), sessionDetail(s.Session)},
		{"connectivity", string(s.Connectivity.State), orDash(s.Connectivity.Endpoint.URL)},
		{"failover", string(s.Failover.Status), "consecutive failures: " + strconv.Itoa(s.Failover.ConsecutiveFailures)},
		{"sync", fmt.Sprintf("%d queued", s.Sync.QueueDepth),
			fmt.Sprintf("conflicts: %d, failed: %d", s.Sync.Conflicts, s.Sync.Failed)},
	}
	if s.Channel != nil {
		state := s.Channel.State
		if !s.Channel.Enabled {
			state = "disabled"
		}
		rows = append(rows, []string{"channel", state, orDash(s.Channel.Endpoint)})
	}
	printTable(w, []string{"COMPONENT", "STATE", "DETAIL"}, rows)

	if len(s.Connectivity.Candidates) > 0 {
		fmt.Fprintln(w)
		candidates := make([][]string, 0, len(s.Connectivity.Candidates))
		for _, c := range s.Connectivity.Candidates {
			candidates = append(candidates, []string{
				c.URL, strconv.Itoa(c.Priority), strconv.FormatBool(c.LastKnownHealthy), formatTime(c.LastCheckedAt),
			})
		}
		printTable(w, []string{"CANDIDATE", "PRIORITY", "HEALTHY", "CHECKED_AT"}, candidates)
	}
}

func sessionDetail(s session.Status) string {
	if s.Subject == "" {
		return "-"
	}
	return fmt.Sprintf("%s (expires %s)", s.Subject, formatTime(s.ExpiresAt))
}
