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
	"time"

	"go.uber.org/zap"

	"github.com/kestreldb/pagecache/pkg/logutil"
)

// minicron runs f every period on its own goroutine. Period 0 parks the
// goroutine until the period is raised. Changing the period interrupts
// the current sleep and restarts the wait.
type minicron struct {
	mu       sync.Mutex
	period   time.Duration
	shutdown bool
	done     bool
	poke     chan struct{}
	exited   chan struct{}
	name     string
	f        func() error
}

func (c *minicron) setup(name string, period time.Duration, f func() error) {
	c.name = name
	c.period = period
	c.f = f
	c.poke = make(chan struct{}, 1)
	c.exited = make(chan struct{})
	go c.run()
}

func (c *minicron) run() {
	defer close(c.exited)
	for {
		c.mu.Lock()
		period := c.period
		stop := c.shutdown
		c.mu.Unlock()
		if stop {
			return
		}

		if period > 0 {
			timer := time.NewTimer(period)
			select {
			case <-timer.C:
			case <-c.poke:
				timer.Stop()
				continue
			}
		} else {
			<-c.poke
			continue
		}

		c.mu.Lock()
		stop = c.shutdown
		period = c.period
		c.mu.Unlock()
		if stop {
			return
		}
		if period == 0 {
			continue
		}
		if err := c.f(); err != nil {
			logutil.Error("periodic task failed",
				zap.String("task", c.name),
				zap.Error(err))
		}
	}
}

func (c *minicron) changePeriod(period time.Duration) {
	c.mu.Lock()
	c.period = period
	c.mu.Unlock()
	c.signal()
}

func (c *minicron) getPeriod() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.period
}

func (c *minicron) signal() {
	select {
	case c.poke <- struct{}{}:
	default:
	}
}

func (c *minicron) hasBeenShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// stop shuts the goroutine down and joins it. Safe to call more than
// once.
func (c *minicron) stop() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	c.done = true
	c.mu.Unlock()
	c.signal()
	<-c.exited
}
