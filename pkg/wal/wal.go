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

// LSN is a log sequence number. LSN 0 is never assigned.
type LSN uint64

// Filenum identifies an open dictionary file inside the cache table.
type Filenum uint32

// Logger is the write-ahead log as seen by the checkpointer. The cache
// table produces exactly the checkpoint-relevant records through it;
// everything else about the log (appends, replay, truncation) belongs
// to whoever owns the Logger.
type Logger interface {
	// LogBeginCheckpoint appends a BEGIN_CHECKPOINT record and returns
	// its LSN.
	LogBeginCheckpoint() (LSN, error)

	// LogFileAssociation appends an fassociate record binding a filenum
	// to its iname.
	LogFileAssociation(f Filenum, iname string) error

	// LogOpenTransactions appends one xstillopen or xstillopenprepared
	// record per live transaction and returns how many were written.
	LogOpenTransactions() (uint64, error)

	// LogSuppressRollback appends a suppress_rollback record for f.
	LogSuppressRollback(f Filenum) error

	// LogEndCheckpoint appends the END_CHECKPOINT record and syncs the
	// log to disk before returning.
	LogEndCheckpoint(begin LSN, numFiles uint32, numTxns uint64) error

	// NoteCheckpoint tells the log which checkpoint completed last, so
	// that older entries become reclaimable.
	NoteCheckpoint(lsn LSN) error
}

// NopLogger is used by cache tables created without a log. All records
// are dropped; LSNs still advance so checkpoint bookkeeping stays sane.
type NopLogger struct {
	next LSN
}

func (l *NopLogger) LogBeginCheckpoint() (LSN, error) {
	l.next++
	return l.next, nil
}

func (l *NopLogger) LogFileAssociation(Filenum, string) error { return nil }

func (l *NopLogger) LogOpenTransactions() (uint64, error) { return 0, nil }

func (l *NopLogger) LogSuppressRollback(Filenum) error { return nil }

func (l *NopLogger) LogEndCheckpoint(LSN, uint32, uint64) error { return nil }

func (l *NopLogger) NoteCheckpoint(LSN) error { return nil }
