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

package logger

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	LogFormatLogfmt = "logfmt"
	LogFormatJSON   = "json"
)

// NewLogger returns a leveled, timestamped logger writing to stderr. Levels
// are error, warn, info and debug; anything else falls back to info.
func NewLogger(lvl, format, name string) log.Logger {
	var (
		logger    log.Logger
		lvlOption level.Option
	)

	switch lvl {
	case "error":
		lvlOption = level.AllowError()
	case "warn":
		lvlOption = level.AllowWarn()
	case "info":
		lvlOption = level.AllowInfo()
	case "debug":
		lvlOption = level.AllowDebug()
	default:
		lvlOption = level.AllowInfo()
	}

	if format == LogFormatJSON {
		logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	}

	logger = level.NewFilter(logger, lvlOption)

	if name != "" {
		logger = log.With(logger, "name", name)
	}

	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}
