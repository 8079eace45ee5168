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

const (
	clockSaturation   = 15
	clockInitialCount = 3
)

// Pair is one cached page: the in-memory record keyed by (cache file,
// block number). Client code treats it as an opaque pin handle; all
// mutable fields are protected by mu or by holding valueMu/diskMu
// through it.
type Pair struct {
	cachefile *CacheFile
	key       Key
	fullhash  uint32

	valueData       any
	diskData        any
	clonedValueData any
	clonedValueSize int64

	attr  Attr
	dirty Dirtiness

	count             int32
	checkpointPending bool

	wc WriteCallback

	// mu is the short-held pair mutex; it backs the two nb mutexes'
	// condition variables.
	mu      sync.Mutex
	valueMu nbMutex
	diskMu  nbMutex

	sizeEvictingEstimate int64

	ev   *evictor
	list *pairList

	clockNext, clockPrev     *Pair
	pendingNext, pendingPrev *Pair
	hashChain                *Pair
}

func pairInit(
	p *Pair,
	cachefile *CacheFile,
	key Key,
	value any,
	attr Attr,
	dirty Dirtiness,
	fullhash uint32,
	wc WriteCallback,
	ev *evictor,
	list *pairList,
) {
	p.cachefile = cachefile
	p.key = key
	p.valueData = value
	p.attr = attr
	p.dirty = dirty
	p.fullhash = fullhash
	p.wc = wc
	p.ev = ev
	p.list = list
	p.valueMu.init(&p.mu)
	p.diskMu.init(&p.mu)
}

// Key returns the block number half of the pair's identity.
func (p *Pair) Key() Key {
	return p.key
}

// Fullhash returns the pair's 32-bit mixed hash.
func (p *Pair) Fullhash() uint32 {
	return p.fullhash
}

// CacheFile returns the file the pair belongs to.
func (p *Pair) CacheFile() *CacheFile {
	return p.cachefile
}

// touch bumps the clock counter, saturating. Requires p.mu.
func (p *Pair) touch() {
	if p.count < clockSaturation {
		p.count++
	}
}

func pairLock(p *Pair) {
	p.mu.Lock()
}

func pairUnlock(p *Pair) {
	p.mu.Unlock()
}
