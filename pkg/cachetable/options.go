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

import (
	"runtime"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kestreldb/pagecache/pkg/common/moerr"
)

const (
	DefaultSizeLimit      = 128 * 1024 * 1024
	DefaultEvictionPeriod = time.Second
)

// Options configure one cache table. Zero values mean defaults; a
// CheckpointPeriod or CleanerPeriod of 0 disables that background
// thread until its period is raised at runtime, while a zero
// EvictionPeriod is replaced by DefaultEvictionPeriod.
type Options struct {
	// SizeLimit is the byte budget the evictor drives the cache toward.
	SizeLimit int64

	// CheckpointPeriod is how often the checkpointer fires. 0 disables
	// scheduled checkpoints.
	CheckpointPeriod time.Duration

	// CleanerPeriod is how often the cleaner fires. 0 disables it.
	CleanerPeriod time.Duration

	// CleanerIterations is how many probes one cleaner run performs.
	CleanerIterations uint32

	// EvictionPeriod bounds how long the evictor sleeps between passes
	// when nobody signals it.
	EvictionPeriod time.Duration

	// ClientWorkers / CachetableWorkers / CheckpointWorkers size the
	// three worker pools.
	ClientWorkers     int
	CachetableWorkers int
	CheckpointWorkers int

	// EnvDir prefixes relative inames.
	EnvDir string
}

// FillDefaults replaces zero fields with their defaults and returns the
// receiver (allocating one when nil).
func (o *Options) FillDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.SizeLimit == 0 {
		o.SizeLimit = DefaultSizeLimit
	}
	if o.CleanerIterations == 0 {
		o.CleanerIterations = 1
	}
	if o.EvictionPeriod == 0 {
		o.EvictionPeriod = DefaultEvictionPeriod
	}
	numCPU := runtime.NumCPU()
	if o.ClientWorkers == 0 {
		o.ClientWorkers = numCPU
	}
	if o.CachetableWorkers == 0 {
		o.CachetableWorkers = 2 * numCPU
	}
	if o.CheckpointWorkers == 0 {
		o.CheckpointWorkers = numCPU / 4
		if o.CheckpointWorkers == 0 {
			o.CheckpointWorkers = 1
		}
	}
	if o.EnvDir == "" {
		o.EnvDir = "."
	}
	return o
}

// duration lets toml decode "30s"-style strings.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

type tomlOptions struct {
	SizeLimit         int64    `toml:"size-limit"`
	CheckpointPeriod  duration `toml:"checkpoint-period"`
	CleanerPeriod     duration `toml:"cleaner-period"`
	CleanerIterations uint32   `toml:"cleaner-iterations"`
	EvictionPeriod    duration `toml:"eviction-period"`
	ClientWorkers     int      `toml:"client-workers"`
	CachetableWorkers int      `toml:"cachetable-workers"`
	CheckpointWorkers int      `toml:"checkpoint-workers"`
	EnvDir            string   `toml:"env-dir"`
}

// LoadOptions decodes a toml file into Options and fills defaults.
func LoadOptions(path string) (*Options, error) {
	var raw tomlOptions
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, moerr.NewBadConfig("decode %s: %v", path, err)
	}
	o := &Options{
		SizeLimit:         raw.SizeLimit,
		CheckpointPeriod:  raw.CheckpointPeriod.Duration,
		CleanerPeriod:     raw.CleanerPeriod.Duration,
		CleanerIterations: raw.CleanerIterations,
		EvictionPeriod:    raw.EvictionPeriod.Duration,
		ClientWorkers:     raw.ClientWorkers,
		CachetableWorkers: raw.CachetableWorkers,
		CheckpointWorkers: raw.CheckpointWorkers,
		EnvDir:            raw.EnvDir,
	}
	return o.FillDefaults(), nil
}
