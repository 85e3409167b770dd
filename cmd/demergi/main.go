// Copyright 2024 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Demergi is a proxy server that helps to bypass the deep packet inspection systems that block HTTP and HTTPS
// sites by their host name.
//
// Usage:
//
//	demergi [flags]
//
// Every flag can also be set with a DEMERGI_* environment variable, or in a YAML file passed with --config.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Jigsaw-Code/demergi/dns"
	"github.com/Jigsaw-Code/demergi/internal/config"
	"github.com/Jigsaw-Code/demergi/internal/metrics"
	"github.com/Jigsaw-Code/demergi/proxy"
	"github.com/spf13/cobra"
)

const version = "1.4.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand(os.LookupEnv).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(lookupEnv func(string) (string, bool)) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "demergi [flags]",
		Short:        "A proxy server that helps to bypass the DPI systems implemented in various ISPs",
		Version:      version,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions(cmd.Flags(), lookupEnv)
			if err != nil {
				return err
			}
			return run(cmd.Context(), opts, lookupEnv)
		},
	}
	cmd.SetVersionTemplate("Demergi {{.Version}}\n")
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		cmd.PrintErrln(cmd.UsageString())
		return err
	})
	registerFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, opts config.Options, lookupEnv func(string) (string, bool)) error {
	level, err := config.ParseLogLevel(opts.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, level)

	worker := isWorker(lookupEnv)
	if opts.Workers > 0 && !worker {
		if opts.MetricsAddr != "" {
			logger.Warn("Metrics are not served with workers", slog.String("address", opts.MetricsAddr))
		}
		return runWorkers(ctx, opts.Workers, workerWaitDelay(opts), logger)
	}

	var collector *metrics.Collector
	var observer dns.Observer
	if opts.MetricsAddr != "" && !worker {
		collector = metrics.NewCollector()
		observer = collector
		stopMetrics, err := serveMetrics(opts.MetricsAddr, collector, logger)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	resolver, err := dns.NewResolver(opts.ResolverOptions(logger, observer))
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}
	proxyOpts := opts.ProxyOptions(collector)
	if worker {
		if proxyOpts.ListenConfig, err = reusePortListenConfig(); err != nil {
			return err
		}
	}
	server, err := proxy.NewServer(proxyOpts, resolver, logger)
	if err != nil {
		return fmt.Errorf("failed to create proxy: %w", err)
	}
	err = server.ListenAndServe(ctx, opts.ListenAddress())
	if errors.Is(err, proxy.ErrServerClosed) {
		logger.Info("Exiting")
		return nil
	}
	return err
}

// serveMetrics serves the Prometheus metrics on /metrics in the background.
func serveMetrics(addr string, collector *metrics.Collector, logger *slog.Logger) (stop func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", slog.Any("err", err))
		}
	}()
	logger.Info("Serving metrics", slog.String("address", "http://"+ln.Addr().String()+"/metrics"))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}
