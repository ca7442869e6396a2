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
	"syscall"
	"time"

	"github.com/stratofs/stratofs/proto"
	"github.com/stratofs/stratofs/util/errors"
	"github.com/stratofs/stratofs/util/exporter"
	"github.com/stratofs/stratofs/util/log"
)

// DirLockSet records which directory locks the current logical
// operation already owns, so one assimilation touching the same
// directory twice does not deadlock against itself. The directory
// lock is not reentrant; ownership is tracked here instead.
type DirLockSet struct {
	held map[*Inode]struct{}
}

func NewDirLockSet() *DirLockSet {
	return &DirLockSet{held: make(map[*Inode]struct{})}
}

func (s *DirLockSet) Holds(ino *Inode) bool {
	_, ok := s.held[ino]
	return ok
}

func (s *DirLockSet) add(ino *Inode)    { s.held[ino] = struct{}{} }
func (s *DirLockSet) remove(ino *Inode) { delete(s.held, ino) }

// Lock blocking-acquires a directory lock on behalf of the owning
// operation (used by synchronous callers, not by assimilation).
func (s *DirLockSet) Lock(ino *Inode) {
	if s.Holds(ino) {
		return
	}
	ino.dir.mu.Lock()
	s.add(ino)
}

func (s *DirLockSet) Unlock(ino *Inode) {
	if !s.Holds(ino) {
		return
	}
	ino.dir.mu.Unlock()
	s.remove(ino)
}

// AssimilateRequest carries one cluster reply through assimilation,
// together with the request context that produced it, and receives
// the operation's result position.
type AssimilateRequest struct {
	Reply     *proto.MetaReply
	Session   *Session
	StartTime time.Time

	// Held names the directory locks already owned by the calling
	// operation. Optional.
	Held *DirLockSet

	// Candidate is a caller-supplied binding for the final trace
	// step, reused instead of allocating when it fits.
	Candidate *Binding

	// RenameSource, when set, is moved onto the final trace step's
	// name; the previously hashed target binding is discarded.
	RenameSource *Binding

	// Results. LastInode is pinned until Release or until the next
	// assimilation through this request replaces it.
	LastBinding *Binding
	LastInode   *Inode

	// Degraded is set when at least one step skipped name-graph
	// reconciliation because a directory lock was unavailable.
	// Callers needing strict consistency re-validate with an
	// explicit attribute fetch.
	Degraded bool
}

// AssimilateTrace splices a path trace from a cluster reply into the
// local cache: delegation hints into the fragment trees, attributes
// through the merger, leases into the lease caches, and name-graph
// create/replace/delete/rename repairs.
//
// Directory locks are acquired non-blocking; a step whose lock is
// unavailable degrades to inode-only assimilation rather than stall
// the reply-handling context.
func (mc *MetaCache) AssimilateTrace(req *AssimilateRequest) error {
	reply := req.Reply
	tp := exporter.NewTPCnt("assimilate_trace")
	var err error
	defer func() { tp.Set(err) }()

	if reply == nil || reply.Root == nil {
		log.LogDebugf("AssimilateTrace: reply carries no trace")
		return nil
	}
	if req.Held == nil {
		req.Held = NewDirLockSet()
	}
	if req.Session == nil {
		err = errors.NewErrorf("AssimilateTrace: no session")
		return err
	}

	in, dn, err := mc.resolveTraceRoot(reply.Root)
	if err != nil {
		return err
	}
	if err = mc.fillInode(in, reply.Root, nil); err != nil {
		return err
	}
	if len(reply.Steps) == 0 {
		mc.grantInodeLease(in, reply.Root.Lease, req.Session, req.StartTime)
		mc.rememberResult(req, dn, in)
		return nil
	}

	parentSnap := reply.Root
	for d, step := range reply.Steps {
		isLast := d == len(reply.Steps)-1
		parent := in

		dn, in, err = mc.assimilateStep(req, parent, parentSnap, step, isLast)
		if err != nil {
			mc.rememberResult(req, nil, nil)
			return err
		}
		if in == nil {
			// deletion: final by construction of the reply
			break
		}

		// divergence into the snapshot subtree
		if reply.SnapDirPos >= 0 && d == len(reply.Steps)-1-reply.SnapDirPos {
			dn, in = mc.enterSnapDir(req.Held, in)
		}
		parentSnap = step.Inode
	}

	if in != nil && !in.IsSnapDir() {
		mc.grantInodeLease(in, parentSnap.Lease, req.Session, req.StartTime)
	}
	mc.rememberResult(req, dn, in)
	log.LogDebugf("AssimilateTrace done: dn(%v) in(%v) degraded(%v)", dn, in, req.Degraded)
	return nil
}

// resolveTraceRoot locates the cache position of the first trace
// inode, bootstrapping the root binding on the very first reply.
func (mc *MetaCache) resolveTraceRoot(snap *proto.InodeSnapshot) (*Inode, *Binding, error) {
	in, _ := mc.table.GetOrCreate(snap.Vino)

	if snap.Vino.Ino == proto.RootIno && snap.Vino.IsLive() {
		mc.rootMu.Lock()
		if mc.rootBinding == nil {
			root := mc.graph.alloc(in, "")
			mc.graph.splice(root, in)
			mc.table.Pin(in)
			mc.rootBinding = root
			log.LogInfof("resolveTraceRoot: bootstrapped root %v", in.vino)
		}
		dn := mc.rootBinding
		mc.rootMu.Unlock()
		return in, dn, nil
	}
	// trace rooted elsewhere (e.g. a stray directory): reuse an
	// existing alias if one is known
	return in, mc.graph.findAlias(snap.Vino), nil
}

// assimilateStep processes one (name, inode) trace element under
// parent. A nil returned inode with nil error is a deletion.
func (mc *MetaCache) assimilateStep(req *AssimilateRequest, parent *Inode, parentSnap *proto.InodeSnapshot, step *proto.TraceStep, isLast bool) (*Binding, *Inode, error) {
	dir := parent.dirState()
	if dir == nil {
		return nil, nil, errors.Trace(syscall.EIO,
			"assimilateStep: parent %v is not a directory", parent.vino)
	}

	locked := false
	if !req.Held.Holds(parent) {
		if !dir.mu.TryLock() {
			log.LogDebugf("assimilateStep: dir %v lock unavailable, degrading", parent.vino)
			exporter.NewCounter("assimilate_degraded").Add(1)
			req.Degraded = true
			return mc.assimilateStepDegraded(req, parent, step, isLast)
		}
		locked = true
	}
	unlock := func() {
		if locked {
			dir.mu.Unlock()
			locked = false
		}
	}

	// parent inode lease and delegation hints arrive with the step
	mc.grantInodeLease(parent, parentSnap.Lease, req.Session, req.StartTime)
	haveIContent := mc.InodeLeaseValid(parent, proto.LeaseIContent)
	haveLease := haveIContent ||
		(step.EntryLease != nil && step.EntryLease.Mask&proto.LeaseDN != 0)
	parent.applyDirFrag(step.DirFrag)

	var dn *Binding
	for {
		dn = mc.graph.lookup(parent.vino, step.Name)

		// caller-provided binding: only for the final step, only
		// when nothing conflicts and the parent is right
		if isLast && req.Candidate != nil {
			if dn == nil && req.Candidate.parentIno == parent &&
				req.Candidate.key.name == step.Name {
				dn = req.Candidate
			}
			req.Candidate = nil
		}
		if dn == nil {
			dn = mc.graph.alloc(parent, step.Name)
		}

		// deletion
		if step.Inode == nil {
			if old := dn.Inode(); old != nil {
				mc.invalidateBinding(dn)
				continue
			}
			if haveLease {
				mc.graph.rehash(dn)
			}
			mc.grantEntryLease(dn, parent, step.EntryLease, req.Session, req.StartTime)
			unlock()
			return dn, nil, nil
		}

		// rename: move the source binding onto the computed target
		if isLast && req.RenameSource != nil {
			src := req.RenameSource
			req.RenameSource = nil
			if src != dn {
				if old := mc.graph.dropInode(dn); old != nil {
					mc.table.Unpin(old)
				}
				mc.graph.move(src, dn)
				dn = src
			}
		}

		// attach the proper inode, verifying identity
		vino := step.Inode.Vino
		if cur := dn.Inode(); cur != nil {
			if cur.vino != vino {
				log.LogDebugf("assimilateStep: %v bound to wrong inode %v, want %v",
					dn.key, cur.vino, vino)
				exporter.NewCounter("binding_selfheal").Add(1)
				mc.invalidateBinding(dn)
				continue
			}
			break
		}
		in, _ := mc.table.GetOrCreate(vino)
		mc.graph.splice(dn, in)
		mc.table.Pin(in)
		if haveLease {
			mc.graph.rehash(dn)
		}
		break
	}
	in := dn.Inode()

	if haveLease {
		mc.grantEntryLease(dn, parent, step.EntryLease, req.Session, req.StartTime)
	}
	unlock()

	if err := mc.fillInode(in, step.Inode, nil); err != nil {
		mc.invalidateBinding(dn)
		return nil, nil, errors.Trace(err, "assimilateStep: fill %v failed", in.vino)
	}
	return dn, in, nil
}

// assimilateStepDegraded skips name-graph reconciliation: it only
// resolves the inode by identity and merges attributes, preferring an
// existing alias over allocating an orphan duplicate.
func (mc *MetaCache) assimilateStepDegraded(req *AssimilateRequest, parent *Inode, step *proto.TraceStep, isLast bool) (*Binding, *Inode, error) {
	var dn *Binding
	if isLast && req.Candidate != nil {
		dn = req.Candidate
		req.Candidate = nil
	}

	// deletion without the lock: drop the association if we happen
	// to hold the binding, nothing more
	if step.Inode == nil {
		if dn != nil {
			if old := mc.graph.dropInode(dn); old != nil {
				mc.table.Unpin(old)
				mc.graph.unhash(dn)
			}
		}
		return dn, nil, nil
	}

	in, _ := mc.table.GetOrCreate(step.Inode.Vino)
	if existing := mc.graph.findAlias(in.vino); existing != nil {
		dn = existing
	} else if dn != nil && dn.Inode() == nil {
		mc.graph.splice(dn, in)
		mc.table.Pin(in)
	} else {
		// anonymous floating binding, like the alias a degraded
		// lookup would leave behind
		dn = mc.graph.alloc(parent, step.Name)
		mc.graph.splice(dn, in)
		mc.table.Pin(in)
	}

	if err := mc.fillInode(in, step.Inode, nil); err != nil {
		return nil, nil, errors.Trace(err, "assimilateStepDegraded: fill %v failed", in.vino)
	}
	return dn, in, nil
}

// enterSnapDir re-points the trace position into the synthetic
// snapshot root of dir. Hashing the snapdir binding is name-graph
// mutation under dir, so its lock is taken through the operation's
// held set.
func (mc *MetaCache) enterSnapDir(held *DirLockSet, dir *Inode) (*Binding, *Inode) {
	snap := mc.getSnapDir(dir)
	if alias := mc.graph.findAlias(snap.vino); alias != nil {
		return alias, snap
	}
	if dir.dirState() == nil {
		log.LogErrorf("enterSnapDir: %v is not a directory", dir.vino)
		return nil, snap
	}
	if !held.Holds(dir) {
		held.Lock(dir)
		defer held.Unlock(dir)
	}
	dn := mc.graph.lookup(dir.vino, mc.conf.SnapDirName)
	if dn != nil && dn.Inode() == snap {
		return dn, snap
	}
	dn = mc.graph.alloc(dir, mc.conf.SnapDirName)
	mc.graph.splice(dn, snap)
	mc.table.Pin(snap)
	mc.graph.rehash(dn)
	return dn, snap
}

// getSnapDir finds or materializes the snapshot-root inode of dir,
// mirroring its ownership and permissions.
func (mc *MetaCache) getSnapDir(dir *Inode) *Inode {
	snap, created := mc.table.GetOrCreate(proto.Vino{Ino: dir.vino.Ino, Snap: proto.SnapDir})
	dir.mu.Lock()
	mode := dir.mode
	uid, gid := dir.uid, dir.gid
	dir.mu.Unlock()

	snap.mu.Lock()
	if snap.kind == KindUnknown {
		snap.setKind(proto.S_IFDIR | 0o555)
	}
	snap.mode = mode
	snap.uid = uid
	snap.gid = gid
	snap.mu.Unlock()
	if created {
		// synthetic: nothing else ever pins it
		mc.table.Pin(snap)
	}
	return snap
}

// invalidateBinding tears a stale binding out of the graph.
func (mc *MetaCache) invalidateBinding(b *Binding) {
	if old := mc.graph.dropInode(b); old != nil {
		mc.table.Unpin(old)
	}
	mc.graph.unhash(b)
}

// rememberResult parks the final binding and inode on the request,
// replacing and releasing any previously remembered ones.
func (mc *MetaCache) rememberResult(req *AssimilateRequest, dn *Binding, in *Inode) {
	if req.LastInode != nil {
		mc.table.Unpin(req.LastInode)
	}
	if in != nil {
		mc.table.Pin(in)
	}
	req.LastBinding = dn
	req.LastInode = in
}

// Release drops the pin held by a remembered result. Callers invoke
// it once the operation that issued the request is finished with it.
func (req *AssimilateRequest) Release(mc *MetaCache) {
	if req.LastInode != nil {
		mc.table.Unpin(req.LastInode)
		req.LastInode = nil
	}
	req.LastBinding = nil
}

// PrepopulateListing ingests a flat directory listing under the
// request's remembered directory position: bindings and inodes are
// resolved by identity, attributes merged, and both lease caches
// stamped. A bad entry is logged and skipped; the rest of the listing
// still lands.
func (mc *MetaCache) PrepopulateListing(req *AssimilateRequest) error {
	reply := req.Reply
	tp := exporter.NewTPCnt("prepopulate_listing")
	var err error
	defer func() { tp.Set(err) }()

	if req.Held == nil {
		req.Held = NewDirLockSet()
	}
	parent := req.LastInode
	if parent == nil {
		err = errors.NewErrorf("PrepopulateListing: no directory position")
		return err
	}

	if reply.Op == proto.OpMetaLsSnap {
		_, parent = mc.enterSnapDir(req.Held, parent)
	} else {
		parent.applyDirFrag(reply.DirFrag)
		mc.CheckFragTree(parent)
	}
	dir := parent.dirState()
	if dir == nil {
		err = errors.Trace(syscall.EIO, "PrepopulateListing: %v is not a directory", parent.vino)
		return err
	}

	req.Held.Lock(parent)
	defer req.Held.Unlock(parent)

	log.LogDebugf("PrepopulateListing: %v entries under %v", len(reply.Entries), parent.vino)
	for _, entry := range reply.Entries {
		if entry.Inode == nil {
			log.LogWarnf("PrepopulateListing: entry %q carries no inode, skipped", entry.Name)
			continue
		}
		var dn *Binding
		for {
			dn = mc.graph.lookup(parent.vino, entry.Name)
			if dn == nil {
				dn = mc.graph.alloc(parent, entry.Name)
			} else if cur := dn.Inode(); cur != nil && cur.vino != entry.Inode.Vino {
				exporter.NewCounter("binding_selfheal").Add(1)
				mc.invalidateBinding(dn)
				continue
			}
			break
		}

		in := dn.Inode()
		if in == nil {
			in, _ = mc.table.GetOrCreate(entry.Inode.Vino)
			mc.graph.splice(dn, in)
			mc.table.Pin(in)
			mc.graph.rehash(dn)
		}

		if ferr := mc.fillInode(in, entry.Inode, nil); ferr != nil {
			log.LogErrorf("PrepopulateListing: fill %v failed: %v, entry skipped",
				entry.Inode.Vino, ferr)
			continue
		}
		mc.grantEntryLease(dn, parent, entry.EntryLease, req.Session, req.StartTime)
		mc.grantInodeLease(in, entry.Inode.Lease, req.Session, req.StartTime)
	}
	return nil
}
