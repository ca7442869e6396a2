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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/stratofs/stratofs/proto"
)

type stubCaps struct {
	mu    sync.Mutex
	masks map[uint64]proto.CapMask
	hints []CapHint
}

func (s *stubCaps) CapsIssued(ino *Inode) proto.CapMask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.masks[ino.vino.Ino]
}

func (s *stubCaps) ReconsiderCaps(ino *Inode, hint CapHint) {
	s.mu.Lock()
	s.hints = append(s.hints, hint)
	s.mu.Unlock()
}

func (s *stubCaps) issue(ino uint64, mask proto.CapMask) {
	s.mu.Lock()
	s.masks[ino] = mask
	s.mu.Unlock()
}

type issuedRequest struct {
	op     uint8
	target proto.Vino
	name   string
}

// stubRequester replays queued replies in order and records what was
// asked of it.
type stubRequester struct {
	mu      sync.Mutex
	session *Session
	replies []*proto.MetaReply
	calls   []issuedRequest
	err     error
}

func (s *stubRequester) IssueMetaRequest(ctx context.Context, op uint8, target proto.Vino, name string, payload interface{}) (*proto.MetaReply, *Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, issuedRequest{op: op, target: target, name: name})
	if s.err != nil {
		return nil, nil, s.err
	}
	if len(s.replies) == 0 {
		return &proto.MetaReply{Op: op, SnapDirPos: -1}, s.session, nil
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	r.Op = op
	return r, s.session, nil
}

func (s *stubRequester) push(r *proto.MetaReply) {
	s.mu.Lock()
	s.replies = append(s.replies, r)
	s.mu.Unlock()
}

func (s *stubRequester) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type testEnv struct {
	mc      *MetaCache
	caps    *stubCaps
	req     *stubRequester
	clk     *clock.Mock
	session *Session
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))

	caps := &stubCaps{masks: make(map[uint64]proto.CapMask)}
	req := &stubRequester{}

	mc, err := NewMetaCache(Config{
		Cluster: "test",
		Volume:  "vol",
		Clock:   clk,
	}, caps, req)
	require.NoError(t, err)
	t.Cleanup(mc.Close)

	session := NewSession(1, clk.Now().Add(time.Hour))
	req.session = session
	return &testEnv{mc: mc, caps: caps, req: req, clk: clk, session: session}
}

func liveVino(ino uint64) proto.Vino {
	return proto.Vino{Ino: ino, Snap: proto.NoSnap}
}

func dirSnap(ino uint64, version uint64) *proto.InodeSnapshot {
	return &proto.InodeSnapshot{
		Vino:    liveVino(ino),
		Version: version,
		Mode:    proto.S_IFDIR | 0o755,
		Nlink:   2,
		Ctime:   time.Unix(1600000000, 0),
		Mtime:   time.Unix(1600000000, 0),
		Atime:   time.Unix(1600000000, 0),
	}
}

func fileSnap(ino uint64, version uint64, size uint64) *proto.InodeSnapshot {
	return &proto.InodeSnapshot{
		Vino:        liveVino(ino),
		Version:     version,
		Mode:        proto.S_IFREG | 0o644,
		Nlink:       1,
		Size:        size,
		TruncateSeq: 1,
		Ctime:       time.Unix(1600000000, 0),
		Mtime:       time.Unix(1600000000, 0),
		Atime:       time.Unix(1600000000, 0),
	}
}

func linkSnap(ino uint64, version uint64, target string, size uint64) *proto.InodeSnapshot {
	return &proto.InodeSnapshot{
		Vino:        liveVino(ino),
		Version:     version,
		Mode:        proto.S_IFLNK | 0o777,
		Nlink:       1,
		Size:        size,
		TruncateSeq: 1,
		Symlink:     target,
		Ctime:       time.Unix(1600000000, 0),
		Mtime:       time.Unix(1600000000, 0),
		Atime:       time.Unix(1600000000, 0),
	}
}

func fullLease(ms uint32) *proto.LeaseInfo {
	return &proto.LeaseInfo{Mask: proto.LeaseInodeAll, DurationMs: ms}
}

func entryLease(ms uint32) *proto.LeaseInfo {
	return &proto.LeaseInfo{Mask: proto.LeaseDN, DurationMs: ms}
}

func traceReply(root *proto.InodeSnapshot, steps ...*proto.TraceStep) *proto.MetaReply {
	return &proto.MetaReply{Root: root, Steps: steps, SnapDirPos: -1}
}

// bootstrap pushes a root getattr through the cache so the root
// binding exists for later operations.
func (e *testEnv) bootstrap(t *testing.T) *Inode {
	t.Helper()
	root := dirSnap(proto.RootIno, 1)
	root.Lease = fullLease(60000)

	req := &AssimilateRequest{
		Reply:     traceReply(root),
		Session:   e.session,
		StartTime: e.clk.Now(),
	}
	require.NoError(t, e.mc.AssimilateTrace(req))
	req.Release(e.mc)

	_, in := e.mc.Root()
	require.NotNil(t, in)
	return in
}

func TestNewMetaCacheValidation(t *testing.T) {
	_, err := NewMetaCache(Config{}, nil, &stubRequester{})
	require.Error(t, err)
	_, err = NewMetaCache(Config{}, &stubCaps{masks: map[uint64]proto.CapMask{}}, nil)
	require.Error(t, err)
}

func TestRootBootstrap(t *testing.T) {
	env := newTestEnv(t)
	root := env.bootstrap(t)

	require.Equal(t, proto.RootIno, root.Vino().Ino)
	require.Equal(t, KindDirectory, root.Attr().Kind)
	require.True(t, env.mc.InodeLeaseValid(root, proto.LeaseInodeAll))

	// the bootstrapped binding is stable across replies
	dn1, _ := env.mc.Root()
	env.bootstrap(t)
	dn2, _ := env.mc.Root()
	require.Same(t, dn1, dn2)
}
