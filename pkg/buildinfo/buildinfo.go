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

package buildinfo

import (
	"errors"
	"fmt"
	"runtime/debug"
)

type BuildInfo struct {
	GoVersion   string
	GoArch      string
	GoOs        string
	VcsRevision string
	VcsTime     string
	VcsModified bool
}

func (b *BuildInfo) String() string {
	revision := b.VcsRevision
	if revision == "" {
		revision = "unknown"
	}
	if b.VcsModified {
		revision += "-modified"
	}
	return fmt.Sprintf("revision %s (%s, %s/%s, %s)", revision, b.VcsTime, b.GoOs, b.GoArch, b.GoVersion)
}

func FetchBuildInfo() (*BuildInfo, error) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return nil, errors.New("can't read the build info")
	}

	buildInfo := BuildInfo{GoVersion: bi.GoVersion}

	for _, setting := range bi.Settings {
		switch setting.Key {
		case "GOARCH":
			buildInfo.GoArch = setting.Value
		case "GOOS":
			buildInfo.GoOs = setting.Value
		case "vcs.revision":
			buildInfo.VcsRevision = setting.Value
		case "vcs.time":
			buildInfo.VcsTime = setting.Value
		case "vcs.modified":
			buildInfo.VcsModified = setting.Value == "true"
		}
	}

	return &buildInfo, nil
}
