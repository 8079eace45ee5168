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
	"time"

	"go.uber.org/zap"

	"github.com/kestreldb/pagecache/pkg/logutil"
	"github.com/kestreldb/pagecache/pkg/wal"
)

// checkpointer periodically persists a crash-consistent snapshot: it
// marks every then-live pair pending, then makes sure each one's
// begin-time version reaches disk (directly or via a clone) before the
// end record is logged.
type checkpointer struct {
	ct     *CacheTable
	logger wal.Logger
	cfList *cachefileList
	cron   minicron

	// clonesBJM counts outstanding clone writers for the checkpoint in
	// progress.
	clonesBJM *backgroundJobManager

	lsnInProgress wal.LSN
	numFiles      uint32
	numTxns       uint64
}

func (cp *checkpointer) init(ct *CacheTable, logger wal.Logger, cfList *cachefileList, period time.Duration) {
	cp.ct = ct
	cp.logger = logger
	cp.cfList = cfList
	cp.clonesBJM = newBackgroundJobManager()
	cp.cron.setup("checkpointer", period, cp.scheduledCheckpoint)
}

func (cp *checkpointer) destroy() {
	cp.cron.stop()
}

func (cp *checkpointer) shutdown() {
	cp.cron.stop()
}

func (cp *checkpointer) setPeriod(period time.Duration) {
	cp.cron.changePeriod(period)
}

func (cp *checkpointer) getPeriod() time.Duration {
	return cp.cron.getPeriod()
}

// scheduledCheckpoint is the cron body. A checkpoint failing leaves
// durability promises broken with nothing to roll back to, so any error
// is fatal.
func (cp *checkpointer) scheduledCheckpoint() error {
	t0 := time.Now()
	if err := cp.beginCheckpoint(); err != nil {
		logutil.Fatal("begin checkpoint failed", zap.Error(err))
	}
	if err := cp.endCheckpoint(nil); err != nil {
		logutil.Fatal("end checkpoint failed", zap.Error(err))
	}
	logutil.Debug("scheduled checkpoint complete",
		zap.Uint64("lsn", uint64(cp.lsnInProgress)),
		zap.Duration("took", time.Since(t0)))
	return nil
}

func (cp *checkpointer) addBackgroundJob() {
	if err := cp.clonesBJM.add(); err != nil {
		panic(err)
	}
}

func (cp *checkpointer) removeBackgroundJob() {
	cp.clonesBJM.remove()
}

// beginCheckpoint snapshots the file list, writes the begin-side log
// records, and marks every pair of every participating file as
// checkpoint pending.
func (cp *checkpointer) beginCheckpoint() error {
	cp.numFiles = 0
	cp.numTxns = 0

	// Clients serialize open/close against checkpoints, so no closing
	// file can appear here.
	cp.cfList.readLock()
	for cf := cp.cfList.head; cf != nil; cf = cf.next {
		if cf.cbs.NotePinByCheckpoint != nil {
			if err := cf.cbs.NotePinByCheckpoint(cf, cf.userdata); err != nil {
				cp.cfList.readUnlock()
				return err
			}
		}
		cf.forCheckpoint = true
		cp.numFiles++
	}
	cp.cfList.readUnlock()

	if err := cp.logBeginCheckpoint(); err != nil {
		return err
	}

	cp.clonesBJM.reset()

	cp.ct.list.writePendingExpLock()
	cp.ct.list.readListLock()
	cp.cfList.readLock()
	cp.ct.list.writePendingCheapLock()
	cp.turnOnPendingBits()
	err := cp.updateCachefiles()
	cp.ct.list.writePendingCheapUnlock()
	cp.cfList.readUnlock()
	cp.ct.list.readListUnlock()
	cp.ct.list.writePendingExpUnlock()
	return err
}

// logBeginCheckpoint writes BEGIN_CHECKPOINT (remembering its LSN),
// then the open dictionaries, the live transactions, and the files with
// suppressed rollback.
func (cp *checkpointer) logBeginCheckpoint() error {
	beginLSN, err := cp.logger.LogBeginCheckpoint()
	if err != nil {
		return err
	}
	cp.lsnInProgress = beginLSN

	for cf := cp.cfList.head; cf != nil; cf = cf.next {
		if cf.cbs.LogFassociate != nil {
			if err := cf.cbs.LogFassociate(cf, cf.userdata); err != nil {
				return err
			}
		}
	}

	numTxns, err := cp.logger.LogOpenTransactions()
	if err != nil {
		return err
	}
	cp.numTxns = numTxns

	for cf := cp.cfList.head; cf != nil; cf = cf.next {
		if cf.cbs.LogSuppressRollback != nil {
			if err := cf.cbs.LogSuppressRollback(cf, cf.userdata); err != nil {
				return err
			}
		}
	}
	return nil
}

// turnOnPendingBits marks EVERY pair of a participating file pending,
// clean or not; end-checkpoint and client threads clear the bit for
// clean pairs cheaply.
//
// The pending-bit rule: begin-checkpoint may set the bit without the
// pair's mutex; anyone clearing it must hold the pair's mutex (or its
// value lock) plus a pending lock, or the clear could land before a
// concurrent set ever becomes visible.
//
// Entered with the list read lock and both pending write locks held.
func (cp *checkpointer) turnOnPendingBits() {
	list := &cp.ct.list
	for i := uint32(0); i < list.tableSize; i++ {
		for p := list.table[i]; p != nil; p = p.hashChain {
			if p.checkpointPending {
				panic("checkpointer: pair already pending at begin")
			}
			if !p.cachefile.forCheckpoint {
				continue
			}
			p.checkpointPending = true
			if list.pendingHead != nil {
				list.pendingHead.pendingPrev = p
			}
			p.pendingNext = list.pendingHead
			p.pendingPrev = nil
			list.pendingHead = p
		}
	}
}

// updateCachefiles runs the begin-checkpoint userdata hook on every
// participating file.
func (cp *checkpointer) updateCachefiles() error {
	for cf := cp.cfList.head; cf != nil; cf = cf.next {
		if cf.forCheckpoint && cf.cbs.BeginCheckpoint != nil {
			if err := cf.cbs.BeginCheckpoint(cp.lsnInProgress, cf.userdata); err != nil {
				return err
			}
		}
	}
	return nil
}

// endCheckpoint drains the pending pairs, waits for clone writers,
// writes the per-file snapshots, logs END_CHECKPOINT (fsync'd), frees
// obsolete blocks, and releases the files. testCallback, used only by
// tests, runs after the dictionaries are written but before the end
// record.
func (cp *checkpointer) endCheckpoint(testCallback func()) error {
	checkpointCfs := cp.fillCheckpointCfs()
	cp.checkpointPendingPairs()
	if err := cp.checkpointUserdata(checkpointCfs); err != nil {
		return err
	}
	if testCallback != nil {
		testCallback()
	}
	if err := cp.logEndCheckpoint(); err != nil {
		return err
	}
	if err := cp.endCheckpointUserdata(checkpointCfs); err != nil {
		return err
	}
	return cp.removeCachefiles(checkpointCfs)
}

func (cp *checkpointer) fillCheckpointCfs() []*CacheFile {
	cp.cfList.readLock()
	defer cp.cfList.readUnlock()
	checkpointCfs := make([]*CacheFile, 0, cp.numFiles)
	for cf := cp.cfList.head; cf != nil; cf = cf.next {
		if cf.forCheckpoint {
			checkpointCfs = append(checkpointCfs, cf)
		}
	}
	if uint32(len(checkpointCfs)) != cp.numFiles {
		panic("checkpointer: file list changed during checkpoint")
	}
	return checkpointCfs
}

// checkpointPendingPairs writes every still-pending pair, then waits
// for the clone writers that client threads started during the
// checkpoint.
func (cp *checkpointer) checkpointPendingPairs() {
	list := &cp.ct.list
	list.readListLock()
	for {
		p := list.pendingHead
		if p == nil {
			break
		}
		list.pendingHead = list.pendingHead.pendingNext
		list.pendingPairsRemove(p)
		pairLock(p)
		list.readListUnlock()
		writePairForCheckpointThread(&cp.ct.ev, p)
		pairUnlock(p)
		list.readListLock()
	}
	if list.pendingHead != nil {
		panic("checkpointer: pending pairs remain after drain")
	}
	list.readListUnlock()
	cp.clonesBJM.waitForJobs()
}

// checkpointUserdata writes the header/translation snapshot of every
// participating file, now that the data blocks are on disk.
func (cp *checkpointer) checkpointUserdata(checkpointCfs []*CacheFile) error {
	for _, cf := range checkpointCfs {
		if !cf.forCheckpoint {
			panic("checkpointer: file dropped out of checkpoint")
		}
		if cf.cbs.Checkpoint != nil {
			if err := cf.cbs.Checkpoint(cf, cf.fd, cf.userdata); err != nil {
				return err
			}
		}
	}
	return nil
}

func (cp *checkpointer) logEndCheckpoint() error {
	if err := cp.logger.LogEndCheckpoint(cp.lsnInProgress, cp.numFiles, cp.numTxns); err != nil {
		return err
	}
	return cp.logger.NoteCheckpoint(cp.lsnInProgress)
}

// endCheckpointUserdata lets each file free the blocks its previous
// checkpoint was holding, everything being written and fsync'd.
func (cp *checkpointer) endCheckpointUserdata(checkpointCfs []*CacheFile) error {
	for _, cf := range checkpointCfs {
		if cf.cbs.EndCheckpoint != nil {
			if err := cf.cbs.EndCheckpoint(cf, cf.fd, cf.userdata); err != nil {
				return err
			}
		}
	}
	return nil
}

// removeCachefiles releases every file from the checkpoint. The
// note-unpin callback may fail (it can trigger a deferred close); the
// first error is returned after all files are released.
func (cp *checkpointer) removeCachefiles(checkpointCfs []*CacheFile) error {
	var firstErr error
	for _, cf := range checkpointCfs {
		if !cf.forCheckpoint {
			panic("checkpointer: file released twice")
		}
		cf.forCheckpoint = false
		if cf.cbs.NoteUnpin != nil {
			if err := cf.cbs.NoteUnpin(cf, cf.userdata); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// BeginCheckpoint marks every live pair of every open file as pending
// and logs the begin-side records. The caller serializes checkpoints.
func (ct *CacheTable) BeginCheckpoint() error {
	return ct.cp.beginCheckpoint()
}

// EndCheckpoint completes the checkpoint begun by BeginCheckpoint.
func (ct *CacheTable) EndCheckpoint(testCallback func()) error {
	return ct.cp.endCheckpoint(testCallback)
}

// Checkpoint runs one full begin/end cycle.
func (ct *CacheTable) Checkpoint() error {
	if err := ct.cp.beginCheckpoint(); err != nil {
		return err
	}
	return ct.cp.endCheckpoint(nil)
}

// SetCheckpointPeriod reschedules the checkpoint thread; 0 disables it.
func (ct *CacheTable) SetCheckpointPeriod(period time.Duration) {
	ct.cp.setPeriod(period)
}

func (ct *CacheTable) GetCheckpointPeriod() time.Duration {
	return ct.cp.getPeriod()
}

// SetCleanerPeriod reschedules the cleaner thread; 0 disables it.
func (ct *CacheTable) SetCleanerPeriod(period time.Duration) {
	ct.cl.setPeriod(period)
}

func (ct *CacheTable) GetCleanerPeriod() time.Duration {
	return ct.cl.getPeriod()
}

func (ct *CacheTable) SetCleanerIterations(iterations uint32) {
	ct.cl.setIterations(iterations)
}

func (ct *CacheTable) GetCleanerIterations() uint32 {
	return ct.cl.getIterations()
}

// RunCleaner runs one cleaner pass on the caller's thread.
func (ct *CacheTable) RunCleaner() error {
	return ct.cl.runCleaner()
}
