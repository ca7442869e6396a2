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
	"fmt"
	"syscall"

	"github.com/stratofs/stratofs/proto"
	"github.com/stratofs/stratofs/util/errors"
	"github.com/stratofs/stratofs/util/exporter"
	"github.com/stratofs/stratofs/util/log"
)

// DirEntry is one element of a directory enumeration.
type DirEntry struct {
	Name string
	Vino proto.Vino
	Mode uint32
}

// roundTrip issues one metadata request and assimilates its reply.
// The returned request holds a pinned result position; the caller
// releases it.
func (mc *MetaCache) roundTrip(ctx context.Context, op uint8, target proto.Vino, name string, payload interface{}, candidate *Binding) (*AssimilateRequest, error) {
	start := mc.clock.Now()
	reply, session, err := mc.requester.IssueMetaRequest(ctx, op, target, name, payload)
	if err != nil {
		return nil, errors.Trace(err, "roundTrip: op(%v) target(%v) name(%q)", op, target, name)
	}
	req := &AssimilateRequest{
		Reply:     reply,
		Session:   session,
		StartTime: start,
		Candidate: candidate,
	}
	if err = mc.AssimilateTrace(req); err != nil {
		return nil, err
	}
	return req, nil
}

// GetAttr returns the inode's attributes, served locally when the
// requested lease classes are covered and fetched otherwise.
// Concurrent fetches of one inode share a single round trip.
func (mc *MetaCache) GetAttr(ctx context.Context, ino *Inode, mask proto.LeaseMask) (Attr, error) {
	tp := exporter.NewTPCnt("getattr")
	var err error
	defer func() { tp.Set(err) }()

	if ino.IsSnapDir() || mc.InodeLeaseValid(ino, mask) {
		return ino.Attr(), nil
	}

	key := fmt.Sprintf("getattr:%v", ino.vino)
	_, err, _ = mc.lookupGroup.Do(key, func() (interface{}, error) {
		req, rerr := mc.roundTrip(ctx, proto.OpMetaGetAttr, ino.vino, "", nil, nil)
		if rerr != nil {
			return nil, rerr
		}
		req.Release(mc)
		return nil, nil
	})
	if err != nil {
		return Attr{}, err
	}
	return ino.Attr(), nil
}

// Lookup resolves one name under parent. A cached binding is trusted
// while its entry lease holds or the parent's content lease still
// covers the version the binding was stamped with. A negative result
// carries the (cached) negative binding and ENOENT.
func (mc *MetaCache) Lookup(ctx context.Context, parent *Inode, name string) (*Binding, *Inode, error) {
	tp := exporter.NewTPCnt("lookup")
	var err error
	defer func() { tp.Set(err) }()

	if parent.dirState() == nil {
		err = syscall.ENOTDIR
		return nil, nil, err
	}
	if name == mc.conf.SnapDirName && parent.vino.IsLive() {
		dn, in := mc.enterSnapDir(NewDirLockSet(), parent)
		return dn, in, nil
	}

	if b := mc.graph.lookup(parent.vino, name); b != nil && mc.entryFresh(b, parent) {
		if in := b.Inode(); in != nil {
			log.LogDebugf("Lookup: %v/%q served from cache -> %v", parent.vino, name, in.vino)
			return b, in, nil
		}
		err = syscall.ENOENT
		return b, nil, err
	}

	key := fmt.Sprintf("lookup:%v/%s", parent.vino, name)
	v, err, _ := mc.lookupGroup.Do(key, func() (interface{}, error) {
		candidate := mc.graph.lookup(parent.vino, name)
		req, rerr := mc.roundTrip(ctx, proto.OpMetaLookup, parent.vino, name, nil, candidate)
		if rerr != nil {
			return nil, rerr
		}
		res := [2]interface{}{req.LastBinding, req.LastInode}
		req.Release(mc)
		return res, nil
	})
	if err != nil {
		return nil, nil, err
	}
	res := v.([2]interface{})
	dn, _ := res[0].(*Binding)
	in, _ := res[1].(*Inode)
	if in == nil {
		err = syscall.ENOENT
		return dn, nil, err
	}
	return dn, in, nil
}

// ReadDir fetches and assimilates the directory's listing, returning
// it in reply order. The name graph and both lease caches absorb
// every entry as a side effect, so subsequent per-entry lookups and
// stats are served locally.
func (mc *MetaCache) ReadDir(ctx context.Context, dir *Inode) ([]DirEntry, error) {
	return mc.readListing(ctx, dir, proto.OpMetaReadDir)
}

// LsSnap lists the snapshot views of a directory through its
// synthetic snapshot root.
func (mc *MetaCache) LsSnap(ctx context.Context, dir *Inode) ([]DirEntry, error) {
	return mc.readListing(ctx, dir, proto.OpMetaLsSnap)
}

func (mc *MetaCache) readListing(ctx context.Context, dir *Inode, op uint8) ([]DirEntry, error) {
	tp := exporter.NewTPCnt("readdir")
	var err error
	defer func() { tp.Set(err) }()

	if dir.dirState() == nil && !dir.IsSnapDir() {
		err = syscall.ENOTDIR
		return nil, err
	}

	start := mc.clock.Now()
	target := dir.vino
	if op == proto.OpMetaLsSnap {
		// the cluster addresses snapshot listings by the live head
		target = proto.Vino{Ino: dir.vino.Ino, Snap: proto.NoSnap}
	}
	reply, session, err := mc.requester.IssueMetaRequest(ctx, op, target, "", nil)
	if err != nil {
		err = errors.Trace(err, "readListing: dir(%v)", dir.vino)
		return nil, err
	}

	req := &AssimilateRequest{Reply: reply, Session: session, StartTime: start}
	if reply.Root != nil {
		if err = mc.AssimilateTrace(req); err != nil {
			return nil, err
		}
	} else {
		mc.rememberResult(req, nil, dir)
	}
	defer req.Release(mc)

	if err = mc.PrepopulateListing(req); err != nil {
		return nil, err
	}

	out := make([]DirEntry, 0, len(reply.Entries))
	for _, e := range reply.Entries {
		if e.Inode == nil {
			continue
		}
		out = append(out, DirEntry{Name: e.Name, Vino: e.Inode.Vino, Mode: e.Inode.Mode})
	}
	return out, nil
}

// ChildrenCached enumerates the hashed child bindings of a directory
// from the local name graph, in name order, without a round trip.
func (mc *MetaCache) ChildrenCached(dir *Inode) []DirEntry {
	var out []DirEntry
	mc.graph.kidsRange(dir, func(b *Binding) bool {
		in := b.Inode()
		if in == nil {
			return true
		}
		a := in.Attr()
		out = append(out, DirEntry{Name: b.Name(), Vino: a.Vino, Mode: a.Mode})
		return true
	})
	return out
}

// GetXattr returns one extended attribute, from the cached blob when
// the xattr lease class holds.
func (mc *MetaCache) GetXattr(ctx context.Context, ino *Inode, name string) ([]byte, error) {
	tp := exporter.NewTPCnt("getxattr")
	var err error
	defer func() { tp.Set(err) }()

	if !ino.IsSnapDir() && !mc.InodeLeaseValid(ino, proto.LeaseIXattr) {
		var req *AssimilateRequest
		if req, err = mc.roundTrip(ctx, proto.OpMetaGetXattr, ino.vino, name, nil, nil); err != nil {
			return nil, err
		}
		req.Release(mc)
	}
	v, err := mc.lookupXattr(ino, name)
	return v, err
}

// ListXattr returns the sorted attribute names of the inode.
func (mc *MetaCache) ListXattr(ctx context.Context, ino *Inode) ([]string, error) {
	tp := exporter.NewTPCnt("listxattr")
	var err error
	defer func() { tp.Set(err) }()

	if !ino.IsSnapDir() && !mc.InodeLeaseValid(ino, proto.LeaseIXattr) {
		var req *AssimilateRequest
		if req, err = mc.roundTrip(ctx, proto.OpMetaGetXattr, ino.vino, "", nil, nil); err != nil {
			return nil, err
		}
		req.Release(mc)
	}
	names, err := mc.listXattrNames(ino)
	return names, err
}

// SetAttr applies an attribute change. Changes fully absorbed by an
// owned exclusive capability, or provably no-ops under a valid lease,
// complete locally; everything else goes to the cluster and the reply
// trace refreshes the record. Snapshot views are immutable.
func (mc *MetaCache) SetAttr(ctx context.Context, ino *Inode, sr *proto.SetAttrRequest) error {
	tp := exporter.NewTPCnt("setattr")
	var err error
	defer func() { tp.Set(err) }()

	if ino.IsSnapped() {
		err = syscall.EROFS
		return err
	}
	if sr.Valid == 0 {
		return nil
	}

	issued := mc.caps.CapsIssued(ino)
	if mc.setAttrLocal(ino, sr, issued) {
		log.LogDebugf("SetAttr %v: absorbed locally, valid(%#x)", ino.vino, sr.Valid)
		return nil
	}

	var req *AssimilateRequest
	if req, err = mc.roundTrip(ctx, proto.OpMetaSetAttr, ino.vino, "", sr, nil); err != nil {
		return err
	}
	req.Release(mc)
	return nil
}

// setAttrLocal tries to absorb the change without a round trip and
// reports whether it fully succeeded. Partial absorption is never
// done: either every requested field is handled here or the whole
// request goes out.
func (mc *MetaCache) setAttrLocal(ino *Inode, sr *proto.SetAttrRequest, issued proto.CapMask) bool {
	now := mc.clock.Now()

	ino.mu.Lock()
	defer ino.mu.Unlock()

	remaining := sr.Valid

	if remaining&(proto.AttrMode|proto.AttrUid|proto.AttrGid) != 0 {
		// ownership and permission changes are no-ops only when
		// nothing would change and the auth class still holds
		if !ino.lease.valid(now) || ino.lease.mask&proto.LeaseIAuth == 0 {
			return false
		}
		if sr.Valid&proto.AttrMode != 0 && sr.Mode != ino.mode&0o7777 {
			return false
		}
		if sr.Valid&proto.AttrUid != 0 && sr.Uid != ino.uid {
			return false
		}
		if sr.Valid&proto.AttrGid != 0 && sr.Gid != ino.gid {
			return false
		}
		remaining &^= proto.AttrMode | proto.AttrUid | proto.AttrGid
	}

	if remaining&(proto.AttrMtime|proto.AttrAtime) != 0 {
		switch {
		case issued&proto.CapExcl != 0:
			// exclusive holder: set freely and mark the jump so
			// slower reply images cannot drag the clock back
			if sr.Valid&proto.AttrMtime != 0 {
				ino.bits.Mtime = sr.Mtime
			}
			if sr.Valid&proto.AttrAtime != 0 {
				ino.bits.Atime = sr.Atime
			}
			ino.bits.Ctime = now
			ino.bits.TimeWarpSeq++
			remaining &^= proto.AttrMtime | proto.AttrAtime
		case issued.AnyWrite():
			// plain writer: only forward moves stay local
			if sr.Valid&proto.AttrMtime != 0 && sr.Mtime.Before(ino.bits.Mtime) {
				return false
			}
			if sr.Valid&proto.AttrAtime != 0 && sr.Atime.Before(ino.bits.Atime) {
				return false
			}
			if sr.Valid&proto.AttrMtime != 0 {
				ino.bits.Mtime = sr.Mtime
			}
			if sr.Valid&proto.AttrAtime != 0 {
				ino.bits.Atime = sr.Atime
			}
			remaining &^= proto.AttrMtime | proto.AttrAtime
		default:
			// no write authority: a provable no-op needs a live
			// content lease
			if !ino.lease.valid(now) || ino.lease.mask&proto.LeaseIContent == 0 {
				return false
			}
			if sr.Valid&proto.AttrMtime != 0 && !sr.Mtime.Equal(ino.bits.Mtime) {
				return false
			}
			if sr.Valid&proto.AttrAtime != 0 && !sr.Atime.Equal(ino.bits.Atime) {
				return false
			}
			remaining &^= proto.AttrMtime | proto.AttrAtime
		}
	}

	if remaining&proto.AttrSize != 0 {
		switch {
		case issued&proto.CapExcl != 0 && sr.Size >= ino.bits.Size:
			ino.bits.Size = sr.Size
			ino.bits.Blocks = blocksFor(sr.Size)
			ino.bits.Ctime = now
			remaining &^= proto.AttrSize
		case sr.Size == ino.bits.Size &&
			ino.lease.valid(now) && ino.lease.mask&proto.LeaseIContent != 0:
			remaining &^= proto.AttrSize
		default:
			return false
		}
	}

	return remaining == 0
}
