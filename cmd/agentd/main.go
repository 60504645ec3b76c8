// Copyright 2026 fanjia1024
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

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"agent-platform/internal/app"
	"agent-platform/pkg/config"
	"agent-platform/pkg/metrics"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:           "agentd",
		Short:         "Agent lifecycle and tiered state persistence runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}
			return run(cmd.Context(), cfg, shutdownTimeout)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", os.Getenv("AGENTRT_CONFIG"), "config file (yaml)")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "graceful shutdown limit")
	return cmd
}

func run(parent context.Context, cfg *config.Config, shutdownTimeout time.Duration) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("初始化应用失败: %w", err)
	}
	if err := a.Start(context.WithoutCancel(ctx)); err != nil {
		_ = a.Shutdown(context.Background())
		return fmt.Errorf("启动应用失败: %w", err)
	}

	var srv *http.Server
	if cfg.Monitoring.Prometheus.Enable {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.DefaultRegistry, promhttp.HandlerOpts{}))
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Monitoring.Prometheus.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.Logger.Info("metrics endpoint listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	a.Logger.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(sctx); err != nil {
			a.Logger.Warn("metrics endpoint shutdown", "error", err)
		}
	}
	if err := a.Shutdown(sctx); err != nil {
		return fmt.Errorf("关闭应用失败: %w", err)
	}
	return nil
}
