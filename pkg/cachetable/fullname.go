// Copyright 2022 Kestrel DB
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cachetable

import "path/filepath"

// ConstructFullName joins path parts; an absolute part resets what came
// before it. Empty parts are skipped.
func ConstructFullName(parts ...string) string {
	name := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		if name == "" || filepath.IsAbs(part) {
			name = part
		} else {
			name = filepath.Join(name, part)
		}
	}
	return name
}

// GetFnameInCwd resolves an iname against the cache table's env dir.
func (ct *CacheTable) GetFnameInCwd(fnameInEnv string) string {
	return ConstructFullName(ct.envDir, fnameInEnv)
}
