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
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/btree"
	"github.com/pierrec/lz4"

	"github.com/kestreldb/pagecache/pkg/common/moerr"
)

type RecordType uint8

const (
	RecordBeginCheckpoint RecordType = iota + 1
	RecordFassociate
	RecordXStillOpen
	RecordXStillOpenPrepared
	RecordSuppressRollback
	RecordEndCheckpoint
)

const (
	recordHeaderSize  = 1 + 1 + 8 + 4 + 4
	flagCompressed    = 1 << 0
	compressThreshold = 256
)

type indexEntry struct {
	lsn LSN
	off int64
}

func (e *indexEntry) Less(than btree.Item) bool {
	return e.lsn < than.(*indexEntry).lsn
}

// FileDriver is an append-only, file-backed Logger. One writer at a
// time; records above compressThreshold are stored lz4-compressed. An
// in-memory btree maps LSN to file offset so Truncate and Replay can
// seek without scanning from zero.
type FileDriver struct {
	mu           sync.Mutex
	f            *os.File
	path         string
	nextLSN      LSN
	checkpointed LSN
	truncated    LSN
	index        *btree.BTree
	registry     *TxnRegistry
}

// OpenFileDriver creates or opens the log file dir/name. registry may
// be nil, in which case LogOpenTransactions writes nothing.
func OpenFileDriver(dir, name string, registry *TxnRegistry) (*FileDriver, error) {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, moerr.NewIOError(err, "open log %s", path)
	}
	d := &FileDriver{
		f:        f,
		path:     path,
		index:    btree.New(2),
		registry: registry,
	}
	if err := d.replayIndex(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return d, nil
}

func (d *FileDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

// replayIndex scans the existing log to rebuild the LSN index and the
// next LSN to assign. A torn tail record is truncated away.
func (d *FileDriver) replayIndex() error {
	st, err := d.f.Stat()
	if err != nil {
		return moerr.NewIOError(err, "stat log")
	}
	off := int64(0)
	hdr := make([]byte, recordHeaderSize)
	for {
		n, err := d.f.ReadAt(hdr, off)
		if err == io.EOF && n == 0 {
			break
		}
		var storedLen uint32
		if err == nil {
			storedLen = binary.BigEndian.Uint32(hdr[14:])
		}
		if err != nil || off+recordHeaderSize+int64(storedLen) > st.Size() {
			// short tail, cut it off
			if err2 := d.f.Truncate(off); err2 != nil {
				return moerr.NewIOError(err2, "truncate torn log tail at %d", off)
			}
			break
		}
		lsn := LSN(binary.BigEndian.Uint64(hdr[2:]))
		d.index.ReplaceOrInsert(&indexEntry{lsn: lsn, off: off})
		if lsn >= d.nextLSN {
			d.nextLSN = lsn
		}
		off += recordHeaderSize + int64(storedLen)
	}
	if _, err := d.f.Seek(0, io.SeekEnd); err != nil {
		return moerr.NewIOError(err, "seek log end")
	}
	return nil
}

// append assigns the next LSN and writes one record. Caller must hold
// d.mu.
func (d *FileDriver) append(typ RecordType, payload []byte) (LSN, error) {
	d.nextLSN++
	lsn := d.nextLSN

	stored := payload
	flags := byte(0)
	if len(payload) > compressThreshold {
		dst := make([]byte, lz4.CompressBlockBound(len(payload)))
		n, err := lz4.CompressBlock(payload, dst, nil)
		if err == nil && n > 0 && n < len(payload) {
			stored = dst[:n]
			flags |= flagCompressed
		}
	}

	buf := make([]byte, recordHeaderSize+len(stored))
	buf[0] = byte(typ)
	buf[1] = flags
	binary.BigEndian.PutUint64(buf[2:], uint64(lsn))
	binary.BigEndian.PutUint32(buf[10:], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[14:], uint32(len(stored)))
	copy(buf[recordHeaderSize:], stored)

	off, err := d.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, moerr.NewIOError(err, "locate log tail")
	}
	if _, err := d.f.Write(buf); err != nil {
		return 0, moerr.NewIOError(err, "append log record type %d", typ)
	}
	d.index.ReplaceOrInsert(&indexEntry{lsn: lsn, off: off})
	return lsn, nil
}

func (d *FileDriver) LogBeginCheckpoint() (LSN, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	payload := make([]byte, 8)
	var lastXID uint64
	if d.registry != nil {
		lastXID = d.registry.LastID()
	}
	binary.BigEndian.PutUint64(payload, lastXID)
	return d.append(RecordBeginCheckpoint, payload)
}

func (d *FileDriver) LogFileAssociation(f Filenum, iname string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	payload := make([]byte, 4+2+len(iname))
	binary.BigEndian.PutUint32(payload, uint32(f))
	binary.BigEndian.PutUint16(payload[4:], uint16(len(iname)))
	copy(payload[6:], iname)
	_, err := d.append(RecordFassociate, payload)
	return err
}

func (d *FileDriver) LogOpenTransactions() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.registry == nil {
		return 0, nil
	}
	var n uint64
	err := d.registry.IterateLive(func(txn *Txn) error {
		typ := RecordXStillOpen
		if txn.State == TxnPreparing {
			typ = RecordXStillOpenPrepared
		}
		payload := make([]byte, 8+4+4*len(txn.OpenFilenums))
		binary.BigEndian.PutUint64(payload, txn.ID)
		binary.BigEndian.PutUint32(payload[8:], uint32(len(txn.OpenFilenums)))
		for i, f := range txn.OpenFilenums {
			binary.BigEndian.PutUint32(payload[12+4*i:], uint32(f))
		}
		if _, err := d.append(typ, payload); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

func (d *FileDriver) LogSuppressRollback(f Filenum) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(f))
	_, err := d.append(RecordSuppressRollback, payload)
	return err
}

func (d *FileDriver) LogEndCheckpoint(begin LSN, numFiles uint32, numTxns uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	payload := make([]byte, 8+4+8)
	binary.BigEndian.PutUint64(payload, uint64(begin))
	binary.BigEndian.PutUint32(payload[8:], numFiles)
	binary.BigEndian.PutUint64(payload[12:], numTxns)
	if _, err := d.append(RecordEndCheckpoint, payload); err != nil {
		return err
	}
	if err := d.f.Sync(); err != nil {
		return moerr.NewIOError(err, "sync log")
	}
	return nil
}

func (d *FileDriver) NoteCheckpoint(lsn LSN) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lsn < d.checkpointed {
		return moerr.NewInvalidState("checkpoint lsn moved backwards: %d < %d", lsn, d.checkpointed)
	}
	d.checkpointed = lsn
	return nil
}

// GetCheckpointed returns the LSN of the last completed checkpoint.
func (d *FileDriver) GetCheckpointed() LSN {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checkpointed
}

// Truncate logically discards every record with LSN <= lsn. The file
// itself is never rewritten; the index and Replay stop serving the
// truncated prefix immediately, and a reopen indexes every record in
// the file again, the truncated prefix included.
func (d *FileDriver) Truncate(lsn LSN) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lsn > d.truncated {
		d.truncated = lsn
	}
	var drop []btree.Item
	d.index.AscendLessThan(&indexEntry{lsn: lsn + 1}, func(it btree.Item) bool {
		drop = append(drop, it)
		return true
	})
	for _, it := range drop {
		d.index.Delete(it)
	}
}

// Replay calls fn for every live record in LSN order.
func (d *FileDriver) Replay(fn func(typ RecordType, lsn LSN, payload []byte) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var outer error
	hdr := make([]byte, recordHeaderSize)
	d.index.Ascend(func(it btree.Item) bool {
		e := it.(*indexEntry)
		if _, err := d.f.ReadAt(hdr, e.off); err != nil {
			outer = moerr.NewIOError(err, "read log record at %d", e.off)
			return false
		}
		typ := RecordType(hdr[0])
		flags := hdr[1]
		rawLen := binary.BigEndian.Uint32(hdr[10:])
		storedLen := binary.BigEndian.Uint32(hdr[14:])
		stored := make([]byte, storedLen)
		if _, err := d.f.ReadAt(stored, e.off+recordHeaderSize); err != nil {
			outer = moerr.NewIOError(err, "read log payload at %d", e.off)
			return false
		}
		payload := stored
		if flags&flagCompressed != 0 {
			payload = make([]byte, rawLen)
			if _, err := lz4.UncompressBlock(stored, payload); err != nil {
				outer = moerr.NewIOError(err, "decompress log record %d", e.lsn)
				return false
			}
		}
		if err := fn(typ, e.lsn, payload); err != nil {
			outer = err
			return false
		}
		return true
	})
	return outer
}
