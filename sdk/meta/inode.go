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
	"syscall"

	"github.com/google/btree"

	"github.com/stratofs/stratofs/proto"
	"github.com/stratofs/stratofs/util/errors"
	"github.com/stratofs/stratofs/util/log"
)

// InodeKind is the closed variant tag of an inode record.
type InodeKind uint8

const (
	KindUnknown InodeKind = iota
	KindRegular
	KindDirectory
	KindSymlink
	KindSpecial
)

func (k InodeKind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	case KindSpecial:
		return "special"
	}
	return "unknown"
}

func kindForMode(mode uint32) (InodeKind, error) {
	switch {
	case proto.IsRegular(mode):
		return KindRegular, nil
	case proto.IsDir(mode):
		return KindDirectory, nil
	case proto.IsSymlink(mode):
		return KindSymlink, nil
	case proto.IsSpecial(mode):
		return KindSpecial, nil
	}
	return KindUnknown, errors.NewErrorf("bad mode %#o", mode)
}

// dirInode carries the directory-only state. The dir lock serializes
// name-graph mutation under this directory; the frag lock serializes
// fragment-tree mutation and is distinct so routing stays available
// while attributes merge.
type dirInode struct {
	mu    sync.Mutex // directory mutual exclusion, acquired with TryLock
	stats proto.DirStats

	fragMu sync.RWMutex
	frags  *FragTree

	kidsMu sync.RWMutex
	kids   *btree.BTree // hashed child bindings ordered by name
}

type symlinkInode struct {
	target string
}

type specialInode struct {
	rdev uint32
}

// Inode is the locally cached record for one (object-id, snapshot-id).
// It is owned by the inode table and referenced by name bindings; pins
// keep it from collection.
type Inode struct {
	vino proto.Vino

	// mu is the attribute lock. It guards every field below up to
	// the variant pointers, including the inode-scope lease.
	mu sync.Mutex

	version      uint64
	mode         uint32
	uid          uint32
	gid          uint32
	nlink        uint32
	bits         FileBits
	maxSize      uint64
	reportedSize uint64
	xattr        []byte

	lease leaseState

	kind    InodeKind
	dir     *dirInode
	symlink *symlinkInode
	special *specialInode

	// table bookkeeping, guarded by the table lock
	pins       int32
	expiration int64
}

func newInode(vino proto.Vino) *Inode {
	return &Inode{vino: vino}
}

func (ino *Inode) Vino() proto.Vino {
	return ino.vino
}

func (ino *Inode) String() string {
	return fmt.Sprintf("inode{vino(%v) kind(%v) v(%v)}", ino.vino, ino.kind, ino.version)
}

// IsSnapDir reports whether this is a synthetic snapshot-root inode.
func (ino *Inode) IsSnapDir() bool {
	return ino.vino.Snap == proto.SnapDir
}

// IsSnapped reports whether the inode belongs to any read-only
// snapshot view.
func (ino *Inode) IsSnapped() bool {
	return !ino.vino.IsLive()
}

func (ino *Inode) dirState() *dirInode {
	if ino.kind == KindDirectory {
		return ino.dir
	}
	return nil
}

// setKind pins the variant on first fill and rejects kind flips,
// which would mean the cluster reused an object id.
func (ino *Inode) setKind(mode uint32) error {
	k, err := kindForMode(mode)
	if err != nil {
		return err
	}
	if ino.kind != KindUnknown && ino.kind != k {
		return errors.NewErrorf("inode %v: kind changed %v -> %v", ino.vino, ino.kind, k)
	}
	if ino.kind == k {
		return nil
	}
	ino.kind = k
	switch k {
	case KindDirectory:
		ino.dir = &dirInode{
			frags: newFragTree(ino.vino),
			kids:  btree.New(8),
		}
	case KindSymlink:
		ino.symlink = &symlinkInode{}
	case KindSpecial:
		ino.special = &specialInode{}
	case KindRegular:
	}
	return nil
}

// Attr is a point-in-time copy of the cached attributes, taken under
// the attribute lock.
type Attr struct {
	Vino    proto.Vino
	Version uint64
	Mode    uint32
	Uid     uint32
	Gid     uint32
	Nlink   uint32
	Bits    FileBits
	Kind    InodeKind
}

func (ino *Inode) Attr() Attr {
	ino.mu.Lock()
	a := Attr{
		Vino:    ino.vino,
		Version: ino.version,
		Mode:    ino.mode,
		Uid:     ino.uid,
		Gid:     ino.gid,
		Nlink:   ino.nlink,
		Bits:    ino.bits,
		Kind:    ino.kind,
	}
	ino.mu.Unlock()
	return a
}

// Symlink returns the cached link target. Length must match the inode
// size; a mismatch marks the record unusable for this read.
func (ino *Inode) Symlink() (string, error) {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if ino.kind != KindSymlink {
		return "", syscall.EINVAL
	}
	if uint64(len(ino.symlink.target)) != ino.bits.Size {
		return "", errors.Trace(syscall.EIO,
			"inode %v: symlink length %v != size %v",
			ino.vino, len(ino.symlink.target), ino.bits.Size)
	}
	return ino.symlink.target, nil
}

// fillInode merges one authoritative snapshot into the record. The
// version check makes replayed snapshots cheap: an image the cache has
// already seen updates nothing but delegation info.
func (mc *MetaCache) fillInode(ino *Inode, snap *proto.InodeSnapshot, dirFrag *proto.DirFragInfo) error {
	issued := mc.caps.CapsIssued(ino)

	ino.mu.Lock()
	if snap.Version > 0 && ino.version == snap.Version {
		ino.mu.Unlock()
		log.LogDebugf("fillInode %v: version %v unchanged", ino.vino, snap.Version)
	} else {
		if err := ino.setKind(snap.Mode); err != nil {
			ino.mu.Unlock()
			return errors.Trace(syscall.EINVAL, "fillInode %v: %v", ino.vino, err)
		}
		ino.version = snap.Version
		ino.mode = snap.Mode
		ino.uid = snap.Uid
		ino.gid = snap.Gid
		ino.nlink = snap.Nlink

		in := FileBits{
			Size:        snap.Size,
			TruncateSeq: snap.TruncateSeq,
			TimeWarpSeq: snap.TimeWarpSeq,
			Ctime:       snap.Ctime,
			Mtime:       snap.Mtime,
			Atime:       snap.Atime,
		}
		merged := MergeFileBits(ino.bits, issued, in)
		if merged.TruncateSeq != ino.bits.TruncateSeq || merged.Size != ino.bits.Size {
			ino.reportedSize = merged.Size
		}
		ino.bits = merged
		ino.maxSize = snap.MaxSize

		if len(snap.Xattr) > 0 {
			ino.xattr = append([]byte(nil), snap.Xattr...)
		}

		switch ino.kind {
		case KindSymlink:
			if uint64(len(snap.Symlink)) != ino.bits.Size {
				ino.mu.Unlock()
				return errors.Trace(syscall.EIO,
					"fillInode %v: symlink length %v != size %v",
					ino.vino, len(snap.Symlink), ino.bits.Size)
			}
			ino.symlink.target = snap.Symlink
		case KindSpecial:
			ino.special.rdev = snap.Rdev
		case KindDirectory:
			if snap.DirStats != nil {
				ino.dir.stats = *snap.DirStats
			}
		case KindRegular:
		}
		ino.mu.Unlock()
	}

	// Fragment structure is versioned separately by the cluster, so
	// it is applied even when the attribute image was unchanged.
	ino.applySplits(snap.Splits)
	ino.applyDirFrag(dirFrag)
	return nil
}

// SetSize is the write-path size bump, permitted locally under an
// owned write capability. When the file grows past half of the
// negotiated ceiling since the last report, the capability manager is
// asked to renegotiate; that call happens outside the attribute lock.
func (mc *MetaCache) SetSize(ino *Inode, size uint64) {
	ino.mu.Lock()
	log.LogDebugf("SetSize %v: %v -> %v", ino.vino, ino.bits.Size, size)
	ino.bits.Size = size
	ino.bits.Blocks = blocksFor(size)
	nearCeiling := size<<1 >= ino.maxSize && ino.reportedSize<<1 < ino.maxSize
	ino.mu.Unlock()

	if nearCeiling {
		mc.reconsiderCaps(ino, CapHintApproachingMax)
	}
}
