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
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/stratofs/stratofs/proto"
	"github.com/stratofs/stratofs/util/log"
)

type bindingKey struct {
	parent proto.Vino
	name   string
}

func (k bindingKey) String() string {
	return fmt.Sprintf("%v/%q", k.parent, k.name)
}

// Binding is one (parent, name) entry of the local name graph. A nil
// inode marks a negative entry: the name is known not to exist. Only
// hashed bindings are reachable through lookup and readdir; an
// unhashed binding floats, referenced solely by the operation that
// produced it.
type Binding struct {
	mu sync.Mutex

	key       bindingKey
	parentIno *Inode
	ino       *Inode

	lease    leaseState
	dirStamp uint64

	hashed bool
}

func (b *Binding) Key() (parent proto.Vino, name string) {
	return b.key.parent, b.key.name
}

func (b *Binding) Name() string {
	return b.key.name
}

// Inode returns the bound inode, nil for a negative binding.
func (b *Binding) Inode() *Inode {
	b.mu.Lock()
	ino := b.ino
	b.mu.Unlock()
	return ino
}

func (b *Binding) Parent() *Inode {
	return b.parentIno
}

func (b *Binding) String() string {
	return fmt.Sprintf("binding{%v hashed(%v)}", b.key, b.hashed)
}

// kidItem orders a directory's hashed children by name.
type kidItem struct {
	name string
	b    *Binding
}

func (k kidItem) Less(than btree.Item) bool {
	return k.name < than.(kidItem).name
}

// nameGraph owns every binding. Structural mutation under one
// directory happens with that directory's lock held; the graph lock
// below only guards the maps and is never held across a directory
// lock acquisition.
type nameGraph struct {
	mu       sync.RWMutex
	bindings map[bindingKey]*Binding
	aliases  map[proto.Vino]map[*Binding]struct{}
}

func newNameGraph() *nameGraph {
	return &nameGraph{
		bindings: make(map[bindingKey]*Binding),
		aliases:  make(map[proto.Vino]map[*Binding]struct{}),
	}
}

// lookup finds the hashed binding for (parent, name).
func (ng *nameGraph) lookup(parent proto.Vino, name string) *Binding {
	ng.mu.RLock()
	b := ng.bindings[bindingKey{parent: parent, name: name}]
	ng.mu.RUnlock()
	return b
}

// alloc creates a floating negative binding under parent.
func (ng *nameGraph) alloc(parent *Inode, name string) *Binding {
	return &Binding{
		key:       bindingKey{parent: parent.vino, name: name},
		parentIno: parent,
	}
}

// rehash makes the binding reachable. At most one binding may be
// hashed per key; the caller resolves conflicts first.
func (ng *nameGraph) rehash(b *Binding) {
	ng.mu.Lock()
	if b.hashed {
		ng.mu.Unlock()
		return
	}
	if other, ok := ng.bindings[b.key]; ok && other != b {
		ng.mu.Unlock()
		log.LogErrorf("nameGraph: rehash %v collides with live binding", b.key)
		return
	}
	ng.bindings[b.key] = b
	b.hashed = true
	ng.mu.Unlock()

	if dir := b.parentIno.dirState(); dir != nil {
		dir.kidsMu.Lock()
		dir.kids.ReplaceOrInsert(kidItem{name: b.key.name, b: b})
		dir.kidsMu.Unlock()
	}
}

// unhash removes the binding from lookup without destroying it.
func (ng *nameGraph) unhash(b *Binding) {
	ng.mu.Lock()
	if !b.hashed {
		ng.mu.Unlock()
		return
	}
	if ng.bindings[b.key] == b {
		delete(ng.bindings, b.key)
	}
	b.hashed = false
	ng.mu.Unlock()

	if dir := b.parentIno.dirState(); dir != nil {
		dir.kidsMu.Lock()
		if item := dir.kids.Get(kidItem{name: b.key.name}); item != nil && item.(kidItem).b == b {
			dir.kids.Delete(kidItem{name: b.key.name})
		}
		dir.kidsMu.Unlock()
	}
}

// splice attaches an inode to the binding and indexes the alias. The
// caller pins the inode through the table.
func (ng *nameGraph) splice(b *Binding, ino *Inode) {
	b.mu.Lock()
	b.ino = ino
	b.mu.Unlock()

	ng.mu.Lock()
	set, ok := ng.aliases[ino.vino]
	if !ok {
		set = make(map[*Binding]struct{})
		ng.aliases[ino.vino] = set
	}
	set[b] = struct{}{}
	ng.mu.Unlock()
}

// dropInode detaches the binding's inode, leaving a floating negative
// binding, and returns the former inode so the caller can unpin it.
func (ng *nameGraph) dropInode(b *Binding) *Inode {
	b.mu.Lock()
	ino := b.ino
	b.ino = nil
	b.mu.Unlock()
	if ino == nil {
		return nil
	}

	ng.mu.Lock()
	if set, ok := ng.aliases[ino.vino]; ok {
		delete(set, b)
		if len(set) == 0 {
			delete(ng.aliases, ino.vino)
		}
	}
	ng.mu.Unlock()
	return ino
}

// findAlias returns some binding already pointing at vino, preferring
// a hashed one.
func (ng *nameGraph) findAlias(vino proto.Vino) *Binding {
	ng.mu.RLock()
	defer ng.mu.RUnlock()
	var fallback *Binding
	for b := range ng.aliases[vino] {
		if b.hashed {
			return b
		}
		fallback = b
	}
	return fallback
}

// move atomically renames src onto dst's key, discarding dst. Both
// bindings keep their inode association; only names change. The
// caller holds the target directory's lock.
func (ng *nameGraph) move(src, dst *Binding) {
	ng.unhash(dst)
	ng.unhash(src)

	ng.mu.Lock()
	src.key = dst.key
	src.parentIno = dst.parentIno
	ng.mu.Unlock()

	ng.rehash(src)
}

// kidsRange iterates the hashed children of dir in name order,
// stopping when fn returns false.
func (ng *nameGraph) kidsRange(dir *Inode, fn func(*Binding) bool) {
	d := dir.dirState()
	if d == nil {
		return
	}
	d.kidsMu.RLock()
	defer d.kidsMu.RUnlock()
	d.kids.Ascend(func(item btree.Item) bool {
		return fn(item.(kidItem).b)
	})
}
