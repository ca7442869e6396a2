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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratofs/stratofs/proto"
)

func (e *testEnv) assimilate(t *testing.T, reply *proto.MetaReply) *AssimilateRequest {
	t.Helper()
	req := &AssimilateRequest{
		Reply:     reply,
		Session:   e.session,
		StartTime: e.clk.Now(),
	}
	require.NoError(t, e.mc.AssimilateTrace(req))
	return req
}

func TestAssimilateLookupStep(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)

	root := dirSnap(proto.RootIno, 1)
	root.Lease = fullLease(60000)
	file := fileSnap(100, 1, 4096)
	file.Lease = fullLease(60000)

	req := env.assimilate(t, traceReply(root, &proto.TraceStep{
		Name:       "f",
		Inode:      file,
		EntryLease: entryLease(60000),
	}))
	defer req.Release(env.mc)

	require.NotNil(t, req.LastInode)
	require.Equal(t, liveVino(100), req.LastInode.Vino())
	require.Equal(t, uint64(4096), req.LastInode.Attr().Bits.Size)
	require.False(t, req.Degraded)

	// the binding is hashed and lease-covered
	b := env.mc.graph.lookup(liveVino(proto.RootIno), "f")
	require.Same(t, req.LastBinding, b)
	require.True(t, env.mc.EntryLeaseValid(b))
	require.True(t, env.mc.InodeLeaseValid(req.LastInode, proto.LeaseInodeAll))
}

func TestAssimilateNoEntryLeaseStaysUnhashed(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)

	// run out the bootstrap lease: the parent holds no content lease
	// and the step carries no entry lease, so the binding must not
	// become reachable
	env.clk.Add(2 * time.Minute)
	root := dirSnap(proto.RootIno, 2)
	file := fileSnap(100, 1, 0)

	req := env.assimilate(t, traceReply(root, &proto.TraceStep{Name: "f", Inode: file}))
	defer req.Release(env.mc)

	require.NotNil(t, req.LastInode)
	require.Nil(t, env.mc.graph.lookup(liveVino(proto.RootIno), "f"))
}

func TestAssimilateDeletion(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)

	root := dirSnap(proto.RootIno, 1)
	root.Lease = fullLease(60000)
	file := fileSnap(100, 1, 0)
	file.Lease = fullLease(60000)

	req := env.assimilate(t, traceReply(root, &proto.TraceStep{
		Name: "gone", Inode: file, EntryLease: entryLease(60000),
	}))
	req.Release(env.mc)

	// the cluster now reports the name unbound
	root2 := dirSnap(proto.RootIno, 2)
	root2.Lease = fullLease(60000)
	req = env.assimilate(t, traceReply(root2, &proto.TraceStep{
		Name: "gone", EntryLease: entryLease(60000),
	}))
	defer req.Release(env.mc)

	require.Nil(t, req.LastInode)
	require.NotNil(t, req.LastBinding)

	b := env.mc.graph.lookup(liveVino(proto.RootIno), "gone")
	require.NotNil(t, b)
	require.Nil(t, b.Inode())
	require.True(t, env.mc.EntryLeaseValid(b))
}

func TestAssimilateDeletionStampsUnleased(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)

	// no content lease on the parent, no entry lease on the step: the
	// negative binding stays floating but still records the parent
	// version it was formed at
	env.clk.Add(2 * time.Minute)
	root := dirSnap(proto.RootIno, 7)

	req := env.assimilate(t, traceReply(root, &proto.TraceStep{Name: "gone"}))
	defer req.Release(env.mc)

	require.Nil(t, req.LastInode)
	b := req.LastBinding
	require.NotNil(t, b)
	require.Nil(t, env.mc.graph.lookup(liveVino(proto.RootIno), "gone"))

	b.mu.Lock()
	stamp := b.dirStamp
	b.mu.Unlock()
	require.Equal(t, uint64(7), stamp)
}

func TestAssimilateSymlink(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)

	root := dirSnap(proto.RootIno, 1)
	root.Lease = fullLease(60000)

	req := env.assimilate(t, traceReply(root, &proto.TraceStep{
		Name: "l", Inode: linkSnap(100, 1, "target", 6), EntryLease: entryLease(60000),
	}))
	defer req.Release(env.mc)

	target, err := req.LastInode.Symlink()
	require.NoError(t, err)
	require.Equal(t, "target", target)
}

func TestAssimilateSymlinkLengthMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)

	root := dirSnap(proto.RootIno, 1)
	root.Lease = fullLease(60000)

	// the target does not account for the claimed size: the record is
	// unusable and the binding is torn down
	req := &AssimilateRequest{
		Reply: traceReply(root, &proto.TraceStep{
			Name: "l", Inode: linkSnap(100, 1, "short", 10), EntryLease: entryLease(60000),
		}),
		Session:   env.session,
		StartTime: env.clk.Now(),
	}
	err := env.mc.AssimilateTrace(req)
	require.ErrorIs(t, err, syscall.EIO)
	require.Nil(t, env.mc.graph.lookup(liveVino(proto.RootIno), "l"))
}

func TestAssimilateIdentityRepair(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)

	root := dirSnap(proto.RootIno, 1)
	root.Lease = fullLease(60000)
	old := fileSnap(100, 1, 0)

	req := env.assimilate(t, traceReply(root, &proto.TraceStep{
		Name: "f", Inode: old, EntryLease: entryLease(60000),
	}))
	stale := req.LastBinding
	req.Release(env.mc)

	// the name now resolves to a different object: the stale binding
	// is torn down and a fresh one spliced in its place
	root2 := dirSnap(proto.RootIno, 2)
	root2.Lease = fullLease(60000)
	reborn := fileSnap(200, 1, 0)

	req = env.assimilate(t, traceReply(root2, &proto.TraceStep{
		Name: "f", Inode: reborn, EntryLease: entryLease(60000),
	}))
	defer req.Release(env.mc)

	require.Equal(t, liveVino(200), req.LastInode.Vino())
	b := env.mc.graph.lookup(liveVino(proto.RootIno), "f")
	require.NotSame(t, stale, b)
	require.Equal(t, liveVino(200), b.Inode().Vino())
	require.Nil(t, stale.Inode())
}

func TestAssimilateRename(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)

	root := dirSnap(proto.RootIno, 1)
	root.Lease = fullLease(60000)
	file := fileSnap(100, 1, 0)

	req := env.assimilate(t, traceReply(root, &proto.TraceStep{
		Name: "a", Inode: file, EntryLease: entryLease(60000),
	}))
	src := req.LastBinding
	req.Release(env.mc)

	// reply to the rename: the trace ends at the new name
	root2 := dirSnap(proto.RootIno, 2)
	root2.Lease = fullLease(60000)
	req = &AssimilateRequest{
		Reply: traceReply(root2, &proto.TraceStep{
			Name: "b", Inode: fileSnap(100, 2, 0), EntryLease: entryLease(60000),
		}),
		Session:      env.session,
		StartTime:    env.clk.Now(),
		RenameSource: src,
	}
	require.NoError(t, env.mc.AssimilateTrace(req))
	defer req.Release(env.mc)

	// the surviving binding is the source, under its new name
	require.Same(t, src, req.LastBinding)
	require.Equal(t, "b", src.Name())
	require.Nil(t, env.mc.graph.lookup(liveVino(proto.RootIno), "a"))
	require.Same(t, src, env.mc.graph.lookup(liveVino(proto.RootIno), "b"))
	require.Equal(t, liveVino(100), src.Inode().Vino())
}

func TestAssimilateDegraded(t *testing.T) {
	env := newTestEnv(t)
	rootIno := env.bootstrap(t)

	// someone else holds the directory lock for the whole reply
	rootIno.dir.mu.Lock()
	defer rootIno.dir.mu.Unlock()

	root := dirSnap(proto.RootIno, 2)
	root.Lease = fullLease(60000)
	file := fileSnap(100, 1, 1234)

	req := env.assimilate(t, traceReply(root, &proto.TraceStep{
		Name: "f", Inode: file, EntryLease: entryLease(60000),
	}))
	defer req.Release(env.mc)

	require.True(t, req.Degraded)

	// attributes landed even though the name graph was skipped
	require.NotNil(t, req.LastInode)
	require.Equal(t, uint64(1234), req.LastInode.Attr().Bits.Size)
	require.Nil(t, env.mc.graph.lookup(liveVino(proto.RootIno), "f"))
}

func TestAssimilateHeldLockNotDegraded(t *testing.T) {
	env := newTestEnv(t)
	rootIno := env.bootstrap(t)

	held := NewDirLockSet()
	held.Lock(rootIno)
	defer held.Unlock(rootIno)

	root := dirSnap(proto.RootIno, 2)
	root.Lease = fullLease(60000)
	req := &AssimilateRequest{
		Reply: traceReply(root, &proto.TraceStep{
			Name: "f", Inode: fileSnap(100, 1, 0), EntryLease: entryLease(60000),
		}),
		Session:   env.session,
		StartTime: env.clk.Now(),
		Held:      held,
	}
	require.NoError(t, env.mc.AssimilateTrace(req))
	defer req.Release(env.mc)

	require.False(t, req.Degraded)
	require.NotNil(t, env.mc.graph.lookup(liveVino(proto.RootIno), "f"))
}

func TestAssimilateSnapDirDivergence(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)

	root := dirSnap(proto.RootIno, 1)
	root.Lease = fullLease(60000)
	sub := dirSnap(50, 1)
	sub.Lease = fullLease(60000)

	reply := traceReply(root, &proto.TraceStep{
		Name: "d", Inode: sub, EntryLease: entryLease(60000),
	})
	reply.SnapDirPos = 0

	req := env.assimilate(t, reply)
	defer req.Release(env.mc)

	require.NotNil(t, req.LastInode)
	require.True(t, req.LastInode.IsSnapDir())
	require.Equal(t, uint64(50), req.LastInode.Vino().Ino)

	// the synthetic root mirrors the live directory's ownership
	live := env.mc.table.Get(liveVino(50))
	require.NotNil(t, live)
	snapAttr := req.LastInode.Attr()
	liveAttr := live.Attr()
	require.Equal(t, liveAttr.Uid, snapAttr.Uid)
	require.Equal(t, liveAttr.Gid, snapAttr.Gid)
	require.Equal(t, KindDirectory, snapAttr.Kind)
}

func TestAssimilateVersionSkip(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)

	root := dirSnap(proto.RootIno, 1)
	root.Lease = fullLease(60000)
	file := fileSnap(100, 7, 4096)

	req := env.assimilate(t, traceReply(root, &proto.TraceStep{
		Name: "f", Inode: file, EntryLease: entryLease(60000),
	}))
	req.Release(env.mc)

	// a replayed image with the same version changes nothing, even
	// when its payload disagrees
	replay := fileSnap(100, 7, 1)
	replay.Mode = proto.S_IFREG | 0o600
	req = env.assimilate(t, traceReply(root, &proto.TraceStep{
		Name: "f", Inode: replay, EntryLease: entryLease(60000),
	}))
	defer req.Release(env.mc)

	a := req.LastInode.Attr()
	require.Equal(t, uint64(4096), a.Bits.Size)
	require.Equal(t, uint32(proto.S_IFREG|0o644), a.Mode)
}

func TestAssimilateKindFlipRejected(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)

	root := dirSnap(proto.RootIno, 1)
	root.Lease = fullLease(60000)

	req := env.assimilate(t, traceReply(root, &proto.TraceStep{
		Name: "f", Inode: fileSnap(100, 1, 0), EntryLease: entryLease(60000),
	}))
	req.Release(env.mc)

	// same object id, different kind: the record is unusable and the
	// binding is torn down
	flipped := dirSnap(100, 2)
	badReq := &AssimilateRequest{
		Reply: traceReply(root, &proto.TraceStep{
			Name: "f", Inode: flipped, EntryLease: entryLease(60000),
		}),
		Session:   env.session,
		StartTime: env.clk.Now(),
	}
	require.Error(t, env.mc.AssimilateTrace(badReq))
	require.Nil(t, env.mc.graph.lookup(liveVino(proto.RootIno), "f"))
}

func TestPrepopulateListing(t *testing.T) {
	env := newTestEnv(t)
	rootIno := env.bootstrap(t)

	root := dirSnap(proto.RootIno, 2)
	root.Lease = fullLease(60000)
	reply := traceReply(root)
	reply.Op = proto.OpMetaReadDir
	reply.Entries = []*proto.ListEntry{
		{Name: "b", Inode: fileSnap(101, 1, 10), EntryLease: entryLease(60000)},
		{Name: "a", Inode: fileSnap(102, 1, 20), EntryLease: entryLease(60000)},
		{Name: "c", Inode: nil}, // malformed, skipped
	}

	req := env.assimilate(t, reply)
	defer req.Release(env.mc)
	require.NoError(t, env.mc.PrepopulateListing(req))

	// every well-formed entry is reachable and lease-covered
	for name, ino := range map[string]uint64{"b": 101, "a": 102} {
		b := env.mc.graph.lookup(liveVino(proto.RootIno), name)
		require.NotNil(t, b, name)
		require.Equal(t, liveVino(ino), b.Inode().Vino())
		require.True(t, env.mc.EntryLeaseValid(b))
	}
	require.Nil(t, env.mc.graph.lookup(liveVino(proto.RootIno), "c"))

	// cached enumeration comes back in name order
	kids := env.mc.ChildrenCached(rootIno)
	require.Len(t, kids, 2)
	require.Equal(t, "a", kids[0].Name)
	require.Equal(t, "b", kids[1].Name)
}
