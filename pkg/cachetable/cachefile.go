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
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kestreldb/pagecache/pkg/common/moerr"
	"github.com/kestreldb/pagecache/pkg/wal"
)

// fileID is the OS identity of an open file. Two fds naming the same
// inode share one cache file.
type fileID struct {
	dev uint64
	ino uint64
}

func getFileID(fd int) (fileID, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fileID{}, moerr.NewIOError(err, "fstat fd %d", fd)
	}
	return fileID{dev: uint64(st.Dev), ino: uint64(st.Ino)}, nil
}

// CacheFile groups a file descriptor, its logical filenum, the per-file
// user data and callbacks, and the background-job counter that acts as
// a barrier for safe close.
type CacheFile struct {
	cachetable *CacheTable
	fd         int
	fileid     fileID
	filenum    Filenum
	fnameInEnv string
	next       *CacheFile

	userdata any
	cbs      UserdataCallbacks

	bjm *backgroundJobManager

	unlinkOnClose bool
	forCheckpoint bool
}

// cachefileList is the process-wide set of open cache files plus the
// monotonically advancing next filenum.
type cachefileList struct {
	mu          sync.RWMutex
	head        *CacheFile
	nextFilenum Filenum
}

func (l *cachefileList) readLock()    { l.mu.RLock() }
func (l *cachefileList) readUnlock()  { l.mu.RUnlock() }
func (l *cachefileList) writeLock()   { l.mu.Lock() }
func (l *cachefileList) writeUnlock() { l.mu.Unlock() }

// CachefileOfIname finds the open cache file with the given iname
// (relative to the env dir). ErrFileNotFound if no such file is open.
func (ct *CacheTable) CachefileOfIname(inameInEnv string) (*CacheFile, error) {
	ct.cfList.readLock()
	defer ct.cfList.readUnlock()
	for cf := ct.cfList.head; cf != nil; cf = cf.next {
		if cf.fnameInEnv == inameInEnv {
			return cf, nil
		}
	}
	return nil, moerr.NewFileNotFound(inameInEnv)
}

// CachefileOfFilenum finds the open cache file with the given filenum.
func (ct *CacheTable) CachefileOfFilenum(filenum Filenum) (*CacheFile, error) {
	ct.cfList.readLock()
	defer ct.cfList.readUnlock()
	for cf := ct.cfList.head; cf != nil; cf = cf.next {
		if cf.filenum == filenum {
			return cf, nil
		}
	}
	return nil, moerr.NewFileNotFound("")
}

// ReserveFilenum hands out the first unused filenum at or after the
// monotonic cursor.
func (ct *CacheTable) ReserveFilenum() Filenum {
	ct.cfList.writeLock()
	defer ct.cfList.writeUnlock()
retry:
	for cf := ct.cfList.head; cf != nil; cf = cf.next {
		if ct.cfList.nextFilenum == cf.filenum {
			ct.cfList.nextFilenum++
			goto retry
		}
	}
	filenum := ct.cfList.nextFilenum
	ct.cfList.nextFilenum++
	return filenum
}

// OpenFD wraps an already-open fd in a cache file. If a cache file for
// the same inode exists, the new fd is closed and the existing handle
// returned; ownership of fd passes to the cache table either way.
func (ct *CacheTable) OpenFD(fd int, fnameInEnv string) (*CacheFile, error) {
	return ct.OpenFDWithFilenum(fd, fnameInEnv, ct.ReserveFilenum())
}

func (ct *CacheTable) OpenFDWithFilenum(fd int, fnameInEnv string, filenum Filenum) (*CacheFile, error) {
	fileid, err := getFileID(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	ct.cfList.writeLock()
	defer ct.cfList.writeUnlock()
	for extant := ct.cfList.head; extant != nil; extant = extant.next {
		if extant.fileid == fileid {
			// Clients serialize open, close and unlink, so an open must
			// never observe a closing or unlink-on-close file.
			if extant.unlinkOnClose {
				panic("cachefile: open raced unlink-on-close")
			}
			if err := unix.Close(fd); err != nil {
				return nil, moerr.NewIOError(err, "close duplicate fd")
			}
			return extant, nil
		}
	}
	for extant := ct.cfList.head; extant != nil; extant = extant.next {
		if extant.filenum == filenum {
			panic("cachefile: filenum already in use")
		}
	}
	cf := &CacheFile{
		cachetable: ct,
		fd:         fd,
		fileid:     fileid,
		filenum:    filenum,
		fnameInEnv: fnameInEnv,
		bjm:        newBackgroundJobManager(),
	}
	cf.next = ct.cfList.head
	ct.cfList.head = cf
	return cf, nil
}

// OpenFile opens fnameInEnv (prefixed with the env dir when relative)
// and wraps it in a cache file.
func (ct *CacheTable) OpenFile(fnameInEnv string, flags int, mode uint32) (*CacheFile, error) {
	fnameInCwd := ConstructFullName(ct.envDir, fnameInEnv)
	fd, err := unix.Open(fnameInCwd, flags, mode)
	if err != nil {
		return nil, moerr.NewIOError(err, "open %s", fnameInCwd)
	}
	return ct.OpenFD(fd, fnameInEnv)
}

func (ct *CacheTable) removeCfFromList(cf *CacheFile) {
	ct.cfList.writeLock()
	defer ct.cfList.writeUnlock()
	var prev *CacheFile
	for cur := ct.cfList.head; cur != nil; cur = cur.next {
		if cur == cf {
			if prev == nil {
				ct.cfList.head = cur.next
			} else {
				prev.next = cur.next
			}
			return
		}
		prev = cur
	}
}

// Close flushes every pair belonging to cf, runs the close callback,
// and closes (optionally unlinking) the underlying file. The cache file
// must not be participating in a checkpoint.
func (cf *CacheFile) Close(oplsnValid bool, oplsn wal.LSN) error {
	ct := cf.cachetable

	cf.bjm.waitForJobs()

	// Clients are told a file is being checkpointed through the
	// note-pin callback and must not close it until note-unpin.
	if cf.forCheckpoint {
		panic("cachefile: close during checkpoint")
	}

	ct.flushCachefile(cf)

	var closeErr error
	if cf.cbs.Close != nil {
		closeErr = cf.cbs.Close(cf, cf.fd, cf.userdata, oplsnValid, oplsn)
	}

	ct.removeCfFromList(cf)
	cf.bjm = nil

	if err := unix.Fsync(cf.fd); err != nil {
		panic(moerr.NewIOError(err, "fsync %s on close", cf.fnameInEnv))
	}
	if err := unix.Close(cf.fd); err != nil {
		panic(moerr.NewIOError(err, "close %s", cf.fnameInEnv))
	}

	if cf.unlinkOnClose {
		fnameInCwd := ct.GetFnameInCwd(cf.fnameInEnv)
		if err := os.Remove(fnameInCwd); err != nil {
			panic(moerr.NewIOError(err, "unlink %s", fnameInCwd))
		}
	}
	return closeErr
}

// Flush writes out and removes every pair belonging to cf without
// closing it. No other thread may work on the file meanwhile.
func (cf *CacheFile) Flush() error {
	cf.bjm.waitForJobs()
	cf.cachetable.flushCachefile(cf)
	return nil
}

// SetUserdata installs the per-file hooks. Extra per-callback state
// hangs off userdata.
func (cf *CacheFile) SetUserdata(userdata any, cbs UserdataCallbacks) {
	cf.userdata = userdata
	cf.cbs = cbs
}

func (cf *CacheFile) Userdata() any {
	return cf.userdata
}

func (cf *CacheFile) CacheTable() *CacheTable {
	return cf.cachetable
}

func (cf *CacheFile) Filenum() Filenum {
	return cf.filenum
}

func (cf *CacheFile) FnameInEnv() string {
	return cf.fnameInEnv
}

func (cf *CacheFile) FD() int {
	return cf.fd
}

// Fsync syncs the underlying file; used by end-checkpoint userdata.
func (cf *CacheFile) Fsync() error {
	if err := unix.Fsync(cf.fd); err != nil {
		return moerr.NewIOError(err, "fsync %s", cf.fnameInEnv)
	}
	return nil
}

// UnlinkOnClose arranges for the underlying file to be removed when the
// cache file closes.
func (cf *CacheFile) UnlinkOnClose() {
	if cf.unlinkOnClose {
		panic("cachefile: unlink-on-close set twice")
	}
	cf.unlinkOnClose = true
}

func (cf *CacheFile) IsUnlinkOnClose() bool {
	return cf.unlinkOnClose
}

// Size returns the current size of the underlying file.
func (cf *CacheFile) Size() (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(cf.fd, &st); err != nil {
		return 0, moerr.NewIOError(err, "fstat %s", cf.fnameInEnv)
	}
	return st.Size, nil
}

// backgroundEnq registers a background job against cf and schedules f
// on the client pool. f must call cf.bjm.remove when it completes. The
// add must succeed: clients only enqueue while the file accepts jobs.
func (cf *CacheFile) backgroundEnq(f func()) {
	if err := cf.bjm.add(); err != nil {
		panic(err)
	}
	cf.cachetable.submit(cf.cachetable.clientPool, f)
}
