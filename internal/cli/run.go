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
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/resilience/pkg/agent"
	"github.com/wso2/api-platform/resilience/pkg/config"
	"github.com/wso2/api-platform/resilience/pkg/logger"
)

const (
	RunCmdLiteral = "run"
	RunCmdExample = `# Start the agent with a configuration file
resilience-agent run --config configs/config.toml`

	shutdownTimeout = 15 * time.Second
)

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     RunCmdLiteral,
		Short:   "Start the resilience agent",
		Long:    "Starts every resilience component and the admin API, then runs until interrupted.",
		Example: RunCmdExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), configPath)
		},
	}
	addStringFlag(cmd.Flags(), FlagConfig, &configPath, "configs/config.toml", "Path to configuration file")
	return cmd
}

func runAgent(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting resilience agent",
		zap.String("config_file", configPath),
		zap.String("version", agent.Version),
		zap.String("storage_type", cfg.Storage.Type),
		zap.Int("candidates", len(cfg.Endpoints.Candidates)),
		zap.Bool("channel_enabled", cfg.Channel.Enabled),
		zap.Bool("admin_enabled", cfg.Admin.Enabled),
	)

	a, err := agent.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.Stop(shutdownCtx)
		return err
	}
	if addr := a.AdminAddr(); addr != "" {
		log.Info("Admin API listening", zap.String("address", addr))
	}

	<-ctx.Done()
	log.Info("Shutting down resilience agent")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.Stop(shutdownCtx)
	return nil
}
