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

import "sync"

// nbMutex is an exclusive lock with an inspectable waiter count. Every
// method requires the companion mutex (the pair's mutex) to be held;
// lock may release and reacquire it while blocked on the condition
// variable. "nb" refers to the users/writers counters being readable
// without blocking, which the evictor and cleaner use to skip busy
// pairs.
type nbMutex struct {
	locked         bool
	blockedWriters int
	cond           *sync.Cond
}

func (m *nbMutex) init(mu *sync.Mutex) {
	m.cond = sync.NewCond(mu)
}

// lock blocks until the mutex is free. Companion mutex held on entry
// and exit.
func (m *nbMutex) lock() {
	for m.locked {
		m.blockedWriters++
		m.cond.Wait()
		m.blockedWriters--
	}
	m.locked = true
}

// unlock wakes all waiters, including any waitForUsers caller.
func (m *nbMutex) unlock() {
	if !m.locked {
		panic("nbMutex: unlock of unlocked mutex")
	}
	m.locked = false
	m.cond.Broadcast()
}

// users counts the holder plus everyone blocked trying to become the
// holder.
func (m *nbMutex) users() int {
	n := m.blockedWriters
	if m.locked {
		n++
	}
	return n
}

func (m *nbMutex) writers() int {
	if m.locked {
		return 1
	}
	return 0
}

// waitForUsers returns once nobody holds or waits on the mutex. Used by
// unpin-and-remove to let stragglers drain before the pair is freed.
func (m *nbMutex) waitForUsers() {
	for m.users() > 0 {
		m.cond.Wait()
	}
}
