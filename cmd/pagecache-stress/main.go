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

// pagecache-stress drives a cache table with concurrent readers and
// writers over a throwaway file, checkpointing as it goes. It exists to
// shake out interlock bugs and to show the wiring of a minimal client.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/kestreldb/pagecache/pkg/cachetable"
	"github.com/kestreldb/pagecache/pkg/logutil"
	"github.com/kestreldb/pagecache/pkg/wal"
)

var (
	cfgPath  = flag.String("cfg", "", "toml file with cachetable options")
	dir      = flag.String("dir", "", "working directory (default: a temp dir)")
	duration = flag.Duration("duration", 10*time.Second, "how long to run")
	workers  = flag.Int("workers", 8, "concurrent client goroutines")
	numKeys  = flag.Int64("keys", 1024, "distinct block numbers to touch")
	pageSize = flag.Int64("page-size", 4096, "bytes per page")
	logLevel = flag.String("log-level", "info", "zap log level")
)

// page is the trivial unit this driver caches: one mutable buffer.
type page struct {
	mu  sync.Mutex
	buf []byte
}

func fetchPage(cf *cachetable.CacheFile, _ *cachetable.Pair, fd int, key cachetable.Key, _ uint32, _ any,
) (any, any, cachetable.Attr, cachetable.Dirtiness, error) {
	pg := &page{buf: make([]byte, *pageSize)}
	if _, err := unix.Pread(fd, pg.buf, int64(key)**pageSize); err != nil {
		return nil, nil, cachetable.Attr{}, cachetable.Clean, err
	}
	return pg, nil, cachetable.MakeAttr(*pageSize), cachetable.Clean, nil
}

func flushPage(cf *cachetable.CacheFile, fd int, key cachetable.Key, value any, diskData any, _ any,
	oldAttr cachetable.Attr, writeMe, keepMe, forCheckpoint, isClone bool,
) (any, cachetable.Attr, error) {
	if writeMe {
		pg := value.(*page)
		if _, err := unix.Pwrite(fd, pg.buf, int64(key)**pageSize); err != nil {
			return diskData, cachetable.Attr{}, err
		}
	}
	return diskData, oldAttr, nil
}

func clonePage(value any, _ bool, _ any) (any, cachetable.Attr, error) {
	pg := value.(*page)
	pg.mu.Lock()
	cloned := &page{buf: append([]byte(nil), pg.buf...)}
	pg.mu.Unlock()
	return cloned, cachetable.MakeAttr(*pageSize), nil
}

func main() {
	flag.Parse()
	logutil.SetupLogger(&logutil.LogConfig{Level: *logLevel})

	opts := &cachetable.Options{}
	if *cfgPath != "" {
		var err error
		if opts, err = cachetable.LoadOptions(*cfgPath); err != nil {
			logutil.Fatal("load options", zap.Error(err))
		}
	}

	workDir := *dir
	if workDir == "" {
		var err error
		if workDir, err = os.MkdirTemp("", "pagecache-stress"); err != nil {
			logutil.Fatal("mkdir", zap.Error(err))
		}
		defer os.RemoveAll(workDir)
	}
	opts.EnvDir = workDir

	registry := wal.NewTxnRegistry()
	logger, err := wal.OpenFileDriver(workDir, "stress.wal", registry)
	if err != nil {
		logutil.Fatal("open wal", zap.Error(err))
	}
	defer logger.Close()

	ct, err := cachetable.New(opts, logger)
	if err != nil {
		logutil.Fatal("create cachetable", zap.Error(err))
	}

	cf, err := ct.OpenFile("stress.data", unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		logutil.Fatal("open data file", zap.Error(err))
	}
	if err := unix.Ftruncate(cf.FD(), *numKeys**pageSize); err != nil {
		logutil.Fatal("size data file", zap.Error(err))
	}

	wc := cachetable.WriteCallback{
		Flush: flushPage,
		PeEstimate: func(any, any, any) (int64, cachetable.PartialEvictionCost) {
			return 0, cachetable.PECheap
		},
		Pe: func(_ any, oldAttr cachetable.Attr, _ any) (cachetable.Attr, error) {
			return oldAttr, nil
		},
		Clone: clonePage,
	}
	fc := cachetable.FetchCallback{Fetch: fetchPage}

	stop := make(chan struct{})
	var ops uint64
	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				select {
				case <-stop:
					return
				default:
				}
				key := cachetable.Key(rng.Int63n(*numKeys))
				fullhash := cachetable.Hash(cf, key)
				write := rng.Intn(4) == 0
				p, value, err := ct.GetAndPin(cf, key, fullhash, wc, fc, write)
				if err != nil {
					logutil.Fatal("pin", zap.Error(err))
				}
				dirty := cachetable.Clean
				if write {
					pg := value.(*page)
					pg.mu.Lock()
					pg.buf[0]++
					pg.mu.Unlock()
					dirty = cachetable.Dirty
				}
				ct.Unpin(p, dirty, cachetable.MakeAttr(*pageSize))
				atomic.AddUint64(&ops, 1)
			}
		}(int64(i))
	}

	checkpointTick := time.NewTicker(time.Second)
	defer checkpointTick.Stop()
	deadline := time.After(*duration)
loop:
	for {
		select {
		case <-checkpointTick.C:
			if err := ct.Checkpoint(); err != nil {
				logutil.Fatal("checkpoint", zap.Error(err))
			}
		case <-deadline:
			break loop
		}
	}
	close(stop)
	wg.Wait()

	if n := ct.AssertAllUnpinned(); n != 0 {
		logutil.Fatal("pairs left pinned", zap.Int("count", n))
	}
	if err := cf.Close(false, 0); err != nil {
		logutil.Fatal("close data file", zap.Error(err))
	}
	if err := ct.Close(); err != nil {
		logutil.Fatal("close cachetable", zap.Error(err))
	}

	st := ct.GetStatus()
	fmt.Printf("ops=%d miss=%d puts=%d evictions=%d size=%d/%d\n",
		atomic.LoadUint64(&ops), st.Miss, st.Puts, st.Evictions, st.SizeCurrent, st.SizeLimit)
}
