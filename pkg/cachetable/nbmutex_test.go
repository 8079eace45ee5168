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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNbMutexCounts(t *testing.T) {
	var mu sync.Mutex
	var m nbMutex
	m.init(&mu)

	mu.Lock()
	require.Zero(t, m.users())
	require.Zero(t, m.writers())

	m.lock()
	require.Equal(t, 1, m.users())
	require.Equal(t, 1, m.writers())
	mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		mu.Lock()
		m.lock()
		mu.Unlock()
		close(acquired)
	}()

	// the second locker shows up as a blocked writer
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return m.blockedWriters == 1 && m.users() == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	m.unlock()
	mu.Unlock()
	<-acquired

	mu.Lock()
	require.Equal(t, 1, m.users())
	m.unlock()
	require.Zero(t, m.users())
	mu.Unlock()
}

func TestNbMutexWaitForUsers(t *testing.T) {
	var mu sync.Mutex
	var m nbMutex
	m.init(&mu)

	mu.Lock()
	m.lock()
	mu.Unlock()

	done := make(chan struct{})
	go func() {
		mu.Lock()
		m.waitForUsers()
		mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("waitForUsers returned while the mutex was held")
	case <-time.After(20 * time.Millisecond):
	}

	mu.Lock()
	m.unlock()
	mu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitForUsers did not observe the release")
	}
}

func TestBackgroundJobManager(t *testing.T) {
	bjm := newBackgroundJobManager()
	require.NoError(t, bjm.add())
	require.NoError(t, bjm.add())

	done := make(chan struct{})
	go func() {
		bjm.waitForJobs()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("waitForJobs returned with jobs outstanding")
	case <-time.After(20 * time.Millisecond):
	}

	bjm.remove()
	bjm.remove()
	<-done

	// drained: no new jobs until reset
	require.Error(t, bjm.add())
	bjm.reset()
	require.NoError(t, bjm.add())
	bjm.remove()
}

func TestMinicron(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	var c minicron
	c.setup("test", 5*time.Millisecond, func() error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 3
	}, time.Second, time.Millisecond)

	// period 0 parks the cron
	c.changePeriod(0)
	mu.Lock()
	snap := runs
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	require.LessOrEqual(t, runs, snap+1, "a parked cron stops firing")
	mu.Unlock()

	c.stop()
	c.stop() // idempotent
	require.True(t, c.hasBeenShutdown())
}
