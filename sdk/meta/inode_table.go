// Copyright 2024 The StratoFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package meta

import (
	"container/list"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/stratofs/stratofs/proto"
	"github.com/stratofs/stratofs/util/exporter"
	"github.com/stratofs/stratofs/util/log"
)

const (
	// MinInodeEvictNum is used in the foreground eviction: stop as
	// soon as this many unpinned records have been evicted.
	MinInodeEvictNum = 10
	// MaxInodeEvictNum bounds one background eviction pass.
	MaxInodeEvictNum = 200000

	BgEvictionInterval = 2 * time.Minute
)

// inodeTable is the arena owning every inode record, keyed by vino.
// Records are collected in LRU order once expired, unless pinned by a
// binding, a lease, or a remembered request result.
type inodeTable struct {
	sync.RWMutex
	cache       map[proto.Vino]*list.Element
	lruList     *list.List
	expiration  time.Duration
	maxElements int
	clk         clock.Clock
	stopC       chan struct{}
}

func newInodeTable(exp time.Duration, maxElements int, clk clock.Clock) *inodeTable {
	tbl := &inodeTable{
		cache:       make(map[proto.Vino]*list.Element),
		lruList:     list.New(),
		expiration:  exp,
		maxElements: maxElements,
		clk:         clk,
		stopC:       make(chan struct{}),
	}
	go tbl.backgroundEviction()
	return tbl
}

// GetOrCreate resolves the record for vino, allocating it on first
// reference.
func (tbl *inodeTable) GetOrCreate(vino proto.Vino) (ino *Inode, created bool) {
	tbl.Lock()
	if element, ok := tbl.cache[vino]; ok {
		ino = element.Value.(*Inode)
		tbl.touch(element, ino)
		tbl.Unlock()
		return ino, false
	}

	if tbl.lruList.Len() >= tbl.maxElements {
		tbl.evict(true)
	}

	ino = newInode(vino)
	ino.expiration = tbl.clk.Now().Add(tbl.expiration).UnixNano()
	element := tbl.lruList.PushFront(ino)
	tbl.cache[vino] = element
	tbl.Unlock()
	return ino, true
}

// Get returns the record for vino, or nil.
func (tbl *inodeTable) Get(vino proto.Vino) *Inode {
	tbl.RLock()
	element, ok := tbl.cache[vino]
	if !ok {
		tbl.RUnlock()
		return nil
	}
	ino := element.Value.(*Inode)
	tbl.RUnlock()
	return ino
}

// Pin prevents collection of the record. Pins come from alias
// bindings, lease grants, and remembered request results.
func (tbl *inodeTable) Pin(ino *Inode) {
	tbl.Lock()
	ino.pins++
	tbl.Unlock()
}

func (tbl *inodeTable) Unpin(ino *Inode) {
	tbl.Lock()
	if ino.pins <= 0 {
		tbl.Unlock()
		log.LogErrorf("inodeTable: unbalanced unpin on %v", ino)
		return
	}
	ino.pins--
	tbl.Unlock()
}

func (tbl *inodeTable) Len() int {
	tbl.RLock()
	defer tbl.RUnlock()
	return tbl.lruList.Len()
}

func (tbl *inodeTable) touch(element *list.Element, ino *Inode) {
	tbl.lruList.MoveToFront(element)
	ino.expiration = tbl.clk.Now().Add(tbl.expiration).UnixNano()
}

// Foreground eviction shall be quick and guarantee to make some room.
// Background eviction collects all expired unpinned records. The
// caller holds the table write lock.
func (tbl *inodeTable) evict(foreground bool) {
	var count int
	now := tbl.clk.Now().UnixNano()

	element := tbl.lruList.Back()
	for i := 0; i < MinInodeEvictNum && element != nil; i++ {
		prev := element.Prev()
		ino := element.Value.(*Inode)
		if !foreground && now <= ino.expiration {
			return
		}
		if ino.pins > 0 {
			tbl.lruList.MoveToFront(element)
		} else {
			tbl.lruList.Remove(element)
			delete(tbl.cache, ino.vino)
			count++
		}
		element = prev
	}

	if foreground {
		return
	}

	for i := 0; i < MaxInodeEvictNum && element != nil; i++ {
		prev := element.Prev()
		ino := element.Value.(*Inode)
		if now <= ino.expiration {
			break
		}
		if ino.pins > 0 {
			tbl.lruList.MoveToFront(element)
		} else {
			tbl.lruList.Remove(element)
			delete(tbl.cache, ino.vino)
			count++
		}
		element = prev
	}
	if count > 0 {
		exporter.NewCounter("inode_evicted").Add(int64(count))
		log.LogInfof("inodeTable: evicted %v records", count)
	}
}

func (tbl *inodeTable) backgroundEviction() {
	t := tbl.clk.Ticker(BgEvictionInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			tbl.Lock()
			tbl.evict(false)
			tbl.Unlock()
		case <-tbl.stopC:
			return
		}
	}
}

func (tbl *inodeTable) Close() {
	close(tbl.stopC)
}
