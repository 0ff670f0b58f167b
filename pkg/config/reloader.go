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

package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ComponentReloader is a component that wants to be notified when the
// configuration file changes.
type ComponentReloader struct {
	Name     string
	Reloader func(*Config) error
}

type ConfigReloader struct {
	logger    log.Logger
	filename  string
	reloaders []ComponentReloader

	reloadSuccess prometheus.Counter
	reloadFailure prometheus.Counter
}

func NewConfigReloader(logger log.Logger, reg prometheus.Registerer, filename string, reloaders []ComponentReloader) (*ConfigReloader, error) {
	if filename == "" {
		return nil, fmt.Errorf("config reloader needs a file to watch")
	}
	reloads := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapwatcher_config_reloads_total",
			Help: "Total number of configuration reload attempts.",
		},
		[]string{"result"},
	)
	return &ConfigReloader{
		logger:        logger,
		filename:      filename,
		reloaders:     reloaders,
		reloadSuccess: reloads.WithLabelValues("success"),
		reloadFailure: reloads.WithLabelValues("error"),
	}, nil
}

// Run watches the configuration file until the context is canceled. The
// parent directory is watched rather than the file itself so that editors
// and configuration management tools that replace the file atomically are
// still observed.
func (r *ConfigReloader) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(r.filename)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(r.filename), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			level.Warn(r.logger).Log("msg", "config file watcher error", "err", err)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.filename) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			r.reload()
		}
	}
}

func (r *ConfigReloader) reload() {
	cfg, err := LoadFile(r.filename)
	if err != nil {
		r.reloadFailure.Inc()
		level.Error(r.logger).Log("msg", "failed to reload config file", "path", r.filename, "err", err)
		return
	}

	for _, reloader := range r.reloaders {
		if err := reloader.Reloader(cfg); err != nil {
			r.reloadFailure.Inc()
			level.Error(r.logger).Log("msg", "failed to apply config", "component", reloader.Name, "err", err)
			return
		}
	}

	r.reloadSuccess.Inc()
	level.Info(r.logger).Log("msg", "config reloaded", "path", r.filename)
}
