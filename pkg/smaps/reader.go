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

package smaps

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/go-kit/log"
	"github.com/prometheus/procfs"
)

var (
	ErrProcessNotFound  = errors.New("process not found")
	ErrPermissionDenied = errors.New("permission denied reading smaps")
	// ErrProcessGone means the report vanished between ticks. This is the
	// expected way a watched process's end is observed, as opposed to a
	// true I/O error.
	ErrProcessGone = errors.New("process exited")
)

// Reader produces Snapshots for a process from a proc filesystem mount.
type Reader struct {
	logger   log.Logger
	fs       procfs.FS
	procRoot string
	parser   *Parser
}

func NewReader(logger log.Logger, procRoot string) (*Reader, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open proc filesystem at %s: %w", procRoot, err)
	}
	return &Reader{
		logger:   logger,
		fs:       fs,
		procRoot: procRoot,
		parser:   NewParser(logger),
	}, nil
}

// Comm returns the command name of the process, for diagnostics.
func (r *Reader) Comm(pid int) (string, error) {
	proc, err := r.fs.Proc(pid)
	if err != nil {
		return "", errors.Join(ErrProcessNotFound, err)
	}
	return proc.Comm()
}

// Snapshot reads and parses the smaps report of the process. The returned
// snapshot is complete or the error is non-nil; a partial snapshot is never
// returned.
func (r *Reader) Snapshot(pid int) (*Snapshot, error) {
	if _, err := r.fs.Proc(pid); err != nil {
		return nil, errors.Join(ErrProcessNotFound, err)
	}

	data, err := os.ReadFile(filepath.Join(r.procRoot, strconv.Itoa(pid), "smaps"))
	if err != nil {
		switch {
		case os.IsNotExist(err), errors.Is(err, syscall.ESRCH):
			// The pid directory resolved a moment ago, so the process went
			// away between the two calls.
			return nil, errors.Join(ErrProcessGone, err)
		case os.IsPermission(err):
			return nil, errors.Join(ErrPermissionDenied, err)
		default:
			return nil, fmt.Errorf("failed to read smaps for pid %d: %w", pid, err)
		}
	}

	return r.parser.Parse(pid, data)
}
