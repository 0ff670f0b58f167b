// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command mapwatcher watches the memory mappings of a single process and
// reports what changed between polls: mappings that appeared, mappings
// that disappeared, and mappings whose extent or resident memory changed.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/parca-dev/mapwatcher/pkg/buildinfo"
	"github.com/parca-dev/mapwatcher/pkg/config"
	"github.com/parca-dev/mapwatcher/pkg/logger"
	"github.com/parca-dev/mapwatcher/pkg/smaps"
	"github.com/parca-dev/mapwatcher/pkg/watcher"
)

type flags struct {
	LogLevel    string `enum:"error,warn,info,debug" default:"info"   help:"Log level."`
	LogFormat   string `enum:"logfmt,json"           default:"logfmt" help:"Configure structured logging as JSON or as logfmt."`
	HTTPAddress string `default:"" help:"Address to bind HTTP server to for metrics and profiling. Empty disables the server."`
	ConfigPath  string `default:"" help:"Path to config file."`
	ProcPath    string `default:"/proc" help:"Path to the proc filesystem mount."`
	Version     bool   `help:"Show application version."`

	PID      int           `arg:"" help:"Process ID to watch."`
	Interval time.Duration `arg:"" optional:"" default:"1s" help:"Delay between polls, e.g. 1s or 500ms."`
}

func main() {
	flags := flags{}
	kong.Parse(&flags)

	if flags.Version {
		bi, err := buildinfo.FetchBuildInfo()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to fetch build info: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("mapwatcher", bi.String())
		return
	}

	logger := logger.NewLogger(flags.LogLevel, flags.LogFormat, "mapwatcher")

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Debug(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	reader, err := smaps.NewReader(logger, flags.ProcPath)
	if err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}

	comm, err := reader.Comm(flags.PID)
	if err != nil {
		level.Error(logger).Log("msg", "cannot read the watched process", "pid", flags.PID, "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "watching process", "pid", flags.PID, "comm", comm, "interval", flags.Interval)

	w := watcher.New(logger, reg, reader, watcher.NewTextReporter(os.Stdout), flags.PID, flags.Interval)

	if flags.ConfigPath != "" {
		cfg, err := config.LoadFile(flags.ConfigPath)
		switch {
		case errors.Is(err, config.ErrEmptyConfig):
			level.Debug(logger).Log("msg", "config file is empty", "path", flags.ConfigPath)
		case err != nil:
			level.Error(logger).Log("msg", "failed to load config file", "path", flags.ConfigPath, "err", err)
			os.Exit(1)
		default:
			if err := w.ApplyConfig(cfg); err != nil {
				level.Error(logger).Log("msg", "failed to apply config", "err", err)
				os.Exit(1)
			}
		}
	}

	ctx := context.Background()
	var g okrun.Group

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return w.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	if flags.ConfigPath != "" {
		cfgReloader, err := config.NewConfigReloader(logger, reg, flags.ConfigPath, []config.ComponentReloader{
			{
				Name:     "watcher",
				Reloader: w.ApplyConfig,
			},
		})
		if err != nil {
			level.Error(logger).Log("msg", "failed to instantiate config reloader", "err", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return cfgReloader.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	if flags.HTTPAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		ln, err := net.Listen("tcp", flags.HTTPAddress)
		if err != nil {
			level.Error(logger).Log("msg", "failed to listen", "addr", flags.HTTPAddress, "err", err)
			os.Exit(1)
		}
		g.Add(func() error {
			return http.Serve(ln, mux)
		}, func(error) {
			ln.Close()
		})
	}

	g.Add(okrun.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	if err := g.Run(); err != nil {
		var serr okrun.SignalError
		if errors.As(err, &serr) || errors.Is(err, context.Canceled) {
			level.Info(logger).Log("msg", "terminating")
			return
		}
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}
