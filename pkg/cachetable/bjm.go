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
	"sync"

	"github.com/kestreldb/pagecache/pkg/common/moerr"
)

// backgroundJobManager counts outstanding background work against a
// resource (a cache file, or a checkpoint's clone writers) and lets an
// owner drain it before tearing the resource down. Once waitForJobs has
// been called, add fails until reset re-arms the manager.
type backgroundJobManager struct {
	mu        sync.Mutex
	cond      *sync.Cond
	jobs      uint64
	accepting bool
}

func newBackgroundJobManager() *backgroundJobManager {
	bjm := &backgroundJobManager{accepting: true}
	bjm.cond = sync.NewCond(&bjm.mu)
	return bjm
}

func (bjm *backgroundJobManager) add() error {
	bjm.mu.Lock()
	defer bjm.mu.Unlock()
	if !bjm.accepting {
		return moerr.NewInvalidState("background jobs are being drained")
	}
	bjm.jobs++
	return nil
}

func (bjm *backgroundJobManager) remove() {
	bjm.mu.Lock()
	defer bjm.mu.Unlock()
	if bjm.jobs == 0 {
		panic("backgroundJobManager: remove with no jobs")
	}
	bjm.jobs--
	if bjm.jobs == 0 {
		bjm.cond.Broadcast()
	}
}

// waitForJobs stops admission and blocks until the count drains to
// zero.
func (bjm *backgroundJobManager) waitForJobs() {
	bjm.mu.Lock()
	defer bjm.mu.Unlock()
	bjm.accepting = false
	for bjm.jobs > 0 {
		bjm.cond.Wait()
	}
}

// reset re-enables admission after a flush cycle.
func (bjm *backgroundJobManager) reset() {
	bjm.mu.Lock()
	defer bjm.mu.Unlock()
	if bjm.jobs != 0 {
		panic("backgroundJobManager: reset with jobs outstanding")
	}
	bjm.accepting = true
}
