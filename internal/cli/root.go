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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	CliName = "resilience-agent"

	FlagConfig     = "config"
	FlagServer     = "server"
	FlagOutput     = "output"
	FlagMode       = "mode"
	FlagResolution = "resolution"

	// EnvAdminServer overrides the default admin API address
	EnvAdminServer = "RESILIENCE_ADMIN_SERVER"

	defaultAdminServer = "http://127.0.0.1:9094"
)

var shortFlags = map[string]string{
	FlagConfig: "c",
	FlagServer: "s",
	FlagOutput: "o",
	FlagMode:   "m",
}

func addStringFlag(flags *pflag.FlagSet, flagName string, p *string, defaultValue, usage string) {
	flags.StringVarP(p, flagName, shortFlags[flagName], defaultValue, usage)
}

// globalOptions are shared by the admin client commands
type globalOptions struct {
	server string
	output string
}

func (o *globalOptions) client() *adminClient {
	return newAdminClient(o.server)
}

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           CliName,
		Short:         "Client-side connectivity and session resilience agent",
		Long:          "resilience-agent keeps a client session, backend connectivity and offline data in sync, and exposes an admin API to inspect and drive it.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	server := os.Getenv(EnvAdminServer)
	if server == "" {
		server = defaultAdminServer
	}
	addStringFlag(rootCmd.PersistentFlags(), FlagServer, &opts.server, server, "Admin API address of a running agent")
	addStringFlag(rootCmd.PersistentFlags(), FlagOutput, &opts.output, outputTable, "Output format: table, json or yaml")

	rootCmd.AddCommand(
		newRunCmd(),
		newStatusCmd(opts),
		newHistoryCmd(opts),
		newResetCmd(opts),
		newRecoverCmd(opts),
		newSnapshotCmd(opts),
		newQueueCmd(opts),
		newSyncCmd(opts),
		newConflictsCmd(opts),
		newLogoutCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the root command until completion or an interrupt
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Oops. An error occurred while executing %s: %v\n", CliName, err)
		stop()
		os.Exit(1)
	}
}
