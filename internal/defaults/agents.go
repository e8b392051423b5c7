// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package defaults embeds the kernel's starter agent roster, baked into
// the binary so a first run has something to load even before the
// operator has written any agent definitions of their own.
package defaults

import (
	"embed"
	"io/fs"
	"os"
	"path/filepath"
)

//go:embed agents/*.yaml
var agentsFS embed.FS

// WriteMissing copies every embedded agent definition into dir that
// doesn't already have a same-named file there, so an empty or freshly
// created definitions directory is never silently agent-less.
func WriteMissing(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	entries, err := fs.ReadDir(agentsFS, "agents")
	if err != nil {
		return err
	}
	for _, e := range entries {
		dst := filepath.Join(dir, e.Name())
		if _, err := os.Stat(dst); err == nil {
			continue // operator already has their own copy
		}
		data, err := fs.ReadFile(agentsFS, filepath.Join("agents", e.Name()))
		if err != nil {
			return err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
