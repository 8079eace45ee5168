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

package wal

import (
	"sync"

	"github.com/kestreldb/pagecache/pkg/common/moerr"
)

type TxnState uint8

const (
	TxnLive TxnState = iota
	TxnPreparing
	TxnCommitting
	TxnAborting
	TxnRetired
)

// Txn is the slice of transaction state the checkpointer cares about:
// enough to write an xstillopen / xstillopenprepared record.
type Txn struct {
	ID           uint64
	State        TxnState
	OpenFilenums []Filenum
}

// TxnRegistry tracks live transactions for checkpoint logging. The
// transaction system proper lives above the cache; this registry only
// answers "who is open right now".
type TxnRegistry struct {
	mu     sync.RWMutex
	txns   map[uint64]*Txn
	lastID uint64
}

func NewTxnRegistry() *TxnRegistry {
	return &TxnRegistry{txns: make(map[uint64]*Txn)}
}

func (r *TxnRegistry) Begin() *Txn {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastID++
	txn := &Txn{ID: r.lastID, State: TxnLive}
	r.txns[txn.ID] = txn
	return txn
}

func (r *TxnRegistry) Prepare(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if txn, ok := r.txns[id]; ok {
		txn.State = TxnPreparing
	}
}

func (r *TxnRegistry) Retire(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.txns, id)
}

func (r *TxnRegistry) LastID() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastID
}

// IterateLive visits every registered transaction. A transaction seen
// in a committing, aborting or retired state mid-iteration means the
// caller raced a retire that should have removed it; that is a bug in
// the retire path, not a condition to paper over.
func (r *TxnRegistry) IterateLive(fn func(*Txn) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, txn := range r.txns {
		switch txn.State {
		case TxnLive, TxnPreparing:
			if err := fn(txn); err != nil {
				return err
			}
		default:
			return moerr.NewUnreachable("txn %d in state %d during checkpoint iteration", txn.ID, txn.State)
		}
	}
	return nil
}
