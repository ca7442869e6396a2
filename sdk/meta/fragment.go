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

	"github.com/bits-and-blooms/bitset"

	"github.com/stratofs/stratofs/proto"
	"github.com/stratofs/stratofs/util/errors"
	"github.com/stratofs/stratofs/util/log"
)

// Fragment ids partition the hashed namespace of a directory. The id
// packs a bit width and a value: a fragment of width b covers every
// hash whose low b bits equal the value. The root fragment has width
// zero and covers the whole space.

const fragMaxBits = 24

func fragMake(bits, value uint32) uint32 {
	return bits<<fragMaxBits | value
}

func fragBits(f uint32) uint32 {
	return f >> fragMaxBits
}

func fragValue(f uint32) uint32 {
	return f & (1<<fragMaxBits - 1)
}

func fragContains(f, v uint32) bool {
	bits := fragBits(f)
	return v&(uint32(1)<<bits-1) == fragValue(f)
}

// frag is one node of the fragment tree. splitBy > 0 marks a branch
// with 2^splitBy children; a leaf may carry a remote delegate.
type frag struct {
	id       uint32
	splitBy  uint32
	auth     int32
	replicas []uint32
}

func (f *frag) String() string {
	return fmt.Sprintf("frag{id(%#x) by(%v) auth(%v) dist(%v)}",
		f.id, f.splitBy, f.auth, f.replicas)
}

// FragTree records how a directory's namespace is delegated across
// cluster nodes. Lookups may run concurrently; mutation is serialized
// by the tree's own lock, distinct from the inode attribute lock so
// routing stays available during attribute merges.
type FragTree struct {
	vino  proto.Vino
	frags map[uint32]*frag
}

func newFragTree(vino proto.Vino) *FragTree {
	return &FragTree{
		vino:  vino,
		frags: make(map[uint32]*frag),
	}
}

func (t *FragTree) getOrCreateFrag(id uint32) *frag {
	f, ok := t.frags[id]
	if !ok {
		f = &frag{id: id, auth: proto.NoDelegate}
		t.frags[id] = f
	}
	return f
}

// choose walks from the root fragment down to the leaf containing v
// and copies out the leaf's delegation info if any is recorded. found
// reports whether delegation info was present, not whether a leaf was
// reached: an intact tree still answers found=false for an
// undelegated leaf. An error means the recorded splits do not form a
// complete partition; only this routing call fails.
func (t *FragTree) choose(v uint32) (id uint32, info *proto.DirFragInfo, found bool, err error) {
	cur := fragMake(0, 0)
walk:
	for {
		f, ok := t.frags[cur]
		if !ok {
			// cur is an implicit leaf with no delegation info
			break
		}
		if f.splitBy == 0 {
			info = &proto.DirFragInfo{
				Frag:     f.id,
				Auth:     f.auth,
				Replicas: append([]uint32(nil), f.replicas...),
			}
			found = true
			break
		}

		nway := uint32(1) << f.splitBy
		bits := fragBits(cur)
		for i := uint32(0); i < nway; i++ {
			child := fragMake(bits+f.splitBy, fragValue(cur)|i<<bits)
			if fragContains(child, v) {
				cur = child
				continue walk
			}
		}
		return 0, nil, false, errors.NewErrorf(
			"fragtree %v: frag %#x splits %d ways but no child contains %#x",
			t.vino, cur, nway, v)
	}
	log.LogDebugf("fragtree %v: choose(%#x) = %#x found(%v)", t.vino, v, cur, found)
	return cur, info, found, nil
}

// mergeDelegation folds cluster-reported delegation info for one
// fragment into the tree. Empty info removes a leaf entirely but only
// clears a branch, whose split structure is still needed for routing.
func (t *FragTree) mergeDelegation(d *proto.DirFragInfo) {
	if d == nil {
		return
	}
	if d.Auth < 0 && len(d.Replicas) == 0 {
		f, ok := t.frags[d.Frag]
		if !ok {
			return
		}
		if f.splitBy == 0 {
			log.LogDebugf("fragtree %v: removed frag %#x (no referral)", t.vino, d.Frag)
			delete(t.frags, d.Frag)
		} else {
			log.LogDebugf("fragtree %v: cleared frag %#x referral", t.vino, d.Frag)
			f.auth = proto.NoDelegate
			f.replicas = nil
		}
		return
	}

	f := t.getOrCreateFrag(d.Frag)
	f.auth = d.Auth
	n := len(d.Replicas)
	if n > proto.MaxFragReplicas {
		n = proto.MaxFragReplicas
	}
	f.replicas = append(f.replicas[:0], d.Replicas[:n]...)
	log.LogDebugf("fragtree %v: frag %#x referral auth %v dist %v",
		t.vino, f.id, f.auth, f.replicas)
}

// recordSplit marks a fragment as split into 2^by children.
func (t *FragTree) recordSplit(id, by uint32) {
	f := t.getOrCreateFrag(id)
	f.splitBy = by
}

// verifyDelegations checks that the recorded leaf delegations do not
// overlap: splits arriving out of order with referrals can leave a
// stale leaf shadowing part of a newer, narrower one. Coverage is
// sampled over the widest recorded leaf.
func (t *FragTree) verifyDelegations() error {
	var width uint32
	leaves := make([]*frag, 0, len(t.frags))
	for _, f := range t.frags {
		if f.splitBy != 0 || f.auth == proto.NoDelegate && len(f.replicas) == 0 {
			continue
		}
		if b := fragBits(f.id); b > width {
			width = b
		}
		leaves = append(leaves, f)
	}
	if len(leaves) == 0 {
		return nil
	}

	covered := bitset.New(uint(1) << width)
	for _, f := range leaves {
		bits := fragBits(f.id)
		// each sample point with the leaf's low bits belongs to it
		for v := uint64(0); v>>width == 0; v += 1 << bits {
			p := uint(v) | uint(fragValue(f.id))
			if covered.Test(p) {
				return errors.NewErrorf(
					"fragtree %v: frag %#x overlaps another delegated leaf", t.vino, f.id)
			}
			covered.Set(p)
		}
	}
	return nil
}

// CheckFragTree validates the delegation records of a directory. It
// is advisory: routing keeps working either way, stale entries just
// resolve through the cluster.
func (mc *MetaCache) CheckFragTree(ino *Inode) error {
	dir := ino.dirState()
	if dir == nil {
		return nil
	}
	dir.fragMu.RLock()
	err := dir.frags.verifyDelegations()
	dir.fragMu.RUnlock()
	if err != nil {
		log.LogWarnf("CheckFragTree: %v", err)
	}
	return err
}

// ChooseFrag routes a directory-namespace hash value through the
// inode's fragment tree. Non-directories route everything to the root
// fragment.
func (mc *MetaCache) ChooseFrag(ino *Inode, v uint32) (id uint32, info *proto.DirFragInfo, found bool, err error) {
	dir := ino.dirState()
	if dir == nil {
		return fragMake(0, 0), nil, false, nil
	}
	dir.fragMu.RLock()
	id, info, found, err = dir.frags.choose(v)
	dir.fragMu.RUnlock()
	return
}

// applyDirFrag serializes delegation-info updates for one inode.
func (ino *Inode) applyDirFrag(d *proto.DirFragInfo) {
	dir := ino.dirState()
	if dir == nil || d == nil {
		return
	}
	dir.fragMu.Lock()
	dir.frags.mergeDelegation(d)
	dir.fragMu.Unlock()
}

// applySplits records the branch structure carried on an inode
// snapshot.
func (ino *Inode) applySplits(splits []proto.FragSplit) {
	dir := ino.dirState()
	if dir == nil || len(splits) == 0 {
		return
	}
	dir.fragMu.Lock()
	for _, s := range splits {
		dir.frags.recordSplit(s.Frag, s.By)
	}
	dir.fragMu.Unlock()
}
