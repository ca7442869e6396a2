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

package proto

import (
	"fmt"
	"time"
)

const (
	// RootIno is the inode number of the filesystem root.
	RootIno = uint64(1)

	// NoSnap marks the live (non-snapshot) view of an inode.
	NoSnap = uint64(0)
	// SnapDir is the snapshot id of the synthetic per-directory
	// snapshot root.
	SnapDir = uint64(0xfffffffffffffffe)
)

// Vino identifies an inode within a snapshot view.
type Vino struct {
	Ino  uint64 `json:"ino"`
	Snap uint64 `json:"snap"`
}

func (v Vino) String() string {
	return fmt.Sprintf("%v.%v", v.Ino, v.Snap)
}

// IsLive returns true if the vino denotes the writable view.
func (v Vino) IsLive() bool {
	return v.Snap == NoSnap
}

// CapMask is a bitmask of capability classes issued by the metadata
// cluster for one inode.
type CapMask uint32

const (
	CapPin      CapMask = 1 << iota // object pinned in cluster cache
	CapRdCache                      // client may cache reads
	CapRd                           // client may read
	CapWr                           // client may write
	CapWrBuffer                     // client may buffer writes
	CapExcl                         // exclusive: client is sole author
)

// AnyWrite reports whether the mask carries any write-class authority.
func (m CapMask) AnyWrite() bool {
	return m&(CapWr|CapWrBuffer|CapExcl) != 0
}

func (m CapMask) String() string {
	if m == 0 {
		return "-"
	}
	names := []struct {
		bit  CapMask
		name string
	}{
		{CapPin, "pin"}, {CapRdCache, "rdcache"}, {CapRd, "rd"},
		{CapWr, "wr"}, {CapWrBuffer, "wrbuffer"}, {CapExcl, "excl"},
	}
	s := ""
	for _, n := range names {
		if m&n.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	return s
}

// LeaseMask is a bitmask of attribute classes covered by a lease.
type LeaseMask uint32

const (
	LeaseDN       LeaseMask = 1 << iota // name binding itself
	LeaseIAuth                          // mode, uid, gid
	LeaseILink                          // nlink
	LeaseIContent                       // size, mtime, atime
	LeaseIXattr                         // extended attribute blob
)

// LeaseInodeAll covers every inode-scope attribute class.
const LeaseInodeAll = LeaseIAuth | LeaseILink | LeaseIContent | LeaseIXattr

// LeaseInfo is a cluster-issued lease grant carried on a reply.
type LeaseInfo struct {
	Mask       LeaseMask `json:"mask"`
	DurationMs uint32    `json:"dur"`
}

func (l *LeaseInfo) String() string {
	if l == nil {
		return "lease{nil}"
	}
	return fmt.Sprintf("lease{mask(%v) dur(%vms)}", l.Mask, l.DurationMs)
}

// NoDelegate marks a fragment with no authoritative delegate node.
const NoDelegate = int32(-1)

// MaxFragReplicas bounds the replica list kept per fragment.
const MaxFragReplicas = 4

// DirFragInfo carries delegation info for one fragment of a
// directory's hashed namespace.
type DirFragInfo struct {
	Frag     uint32   `json:"frag"`
	Auth     int32    `json:"auth"` // delegate node id, NoDelegate if none
	Replicas []uint32 `json:"dist"`
}

func (d *DirFragInfo) String() string {
	if d == nil {
		return "dirfrag{nil}"
	}
	return fmt.Sprintf("dirfrag{frag(%#x) auth(%v) dist(%v)}", d.Frag, d.Auth, d.Replicas)
}

// FragSplit records that a fragment is split into 2^By children.
type FragSplit struct {
	Frag uint32 `json:"frag"`
	By   uint32 `json:"by"`
}

// DirStats is the recursive statistics block of a directory inode.
type DirStats struct {
	Files    uint64    `json:"files"`
	Subdirs  uint64    `json:"subdirs"`
	RBytes   uint64    `json:"rbytes"`
	RFiles   uint64    `json:"rfiles"`
	RSubdirs uint64    `json:"rsubdirs"`
	RCtime   time.Time `json:"rctime"`
}

// InodeSnapshot is one authoritative inode image decoded from a
// cluster reply.
type InodeSnapshot struct {
	Vino        Vino      `json:"vino"`
	Version     uint64    `json:"version"`
	Mode        uint32    `json:"mode"`
	Uid         uint32    `json:"uid"`
	Gid         uint32    `json:"gid"`
	Nlink       uint32    `json:"nlink"`
	Rdev        uint32    `json:"rdev"`
	Size        uint64    `json:"size"`
	MaxSize     uint64    `json:"max_size"`
	TruncateSeq uint64    `json:"tseq"`
	TimeWarpSeq uint64    `json:"twseq"`
	Ctime       time.Time `json:"ct"`
	Mtime       time.Time `json:"mt"`
	Atime       time.Time `json:"at"`

	Symlink  string      `json:"symlink,omitempty"`
	Xattr    []byte      `json:"xattr,omitempty"`
	Splits   []FragSplit `json:"splits,omitempty"`
	DirStats *DirStats   `json:"dirstat,omitempty"`

	Lease *LeaseInfo `json:"ilease,omitempty"`
}

func (s *InodeSnapshot) String() string {
	if s == nil {
		return "snap{nil}"
	}
	return fmt.Sprintf("snap{vino(%v) v(%v) mode(%o) size(%v)}",
		s.Vino, s.Version, s.Mode, s.Size)
}

// TraceStep is one (name, inode) element of a path trace. A nil Inode
// denotes a deleted binding (negative entry).
type TraceStep struct {
	Name       string         `json:"name"`
	Inode      *InodeSnapshot `json:"inode,omitempty"`
	DirFrag    *DirFragInfo   `json:"dirfrag,omitempty"`
	EntryLease *LeaseInfo     `json:"dlease,omitempty"`
}

// ListEntry is one element of a flat directory listing.
type ListEntry struct {
	Name       string         `json:"name"`
	Inode      *InodeSnapshot `json:"inode"`
	EntryLease *LeaseInfo     `json:"dlease,omitempty"`
}

// MetaReply is the structured payload of a metadata request reply: a
// path trace from a known root, or a flat directory listing, or both
// empty (no metadata carried).
type MetaReply struct {
	Op uint8 `json:"op"`

	// Trace. Root is the first inode of the trace; Steps descend
	// from it, one name binding each.
	Root  *InodeSnapshot `json:"root,omitempty"`
	Steps []*TraceStep   `json:"steps,omitempty"`

	// SnapDirPos marks, counting from the end of the trace, the step
	// at which the path diverges into the snapshot-view subtree.
	// Negative when the trace stays in the live view.
	SnapDirPos int `json:"snapdirpos"`

	// Listing.
	Entries []*ListEntry `json:"entries,omitempty"`
	DirFrag *DirFragInfo `json:"dirfrag,omitempty"`
}

// Metadata request opcodes.
const (
	OpMetaLookup uint8 = iota + 1
	OpMetaGetAttr
	OpMetaSetAttr
	OpMetaReadDir
	OpMetaLsSnap
	OpMetaGetXattr
	OpMetaSetXattr
	OpMetaRemoveXattr
	OpMetaTruncate
	OpMetaUtime
	OpMetaChmod
	OpMetaChown
)

// SetAttr payload masks.
const (
	AttrMode uint32 = 1 << iota
	AttrUid
	AttrGid
	AttrMtime
	AttrAtime
	AttrSize
)

// SetAttrRequest is the payload of a setattr-class metadata request.
type SetAttrRequest struct {
	Valid uint32    `json:"valid"`
	Mode  uint32    `json:"mode"`
	Uid   uint32    `json:"uid"`
	Gid   uint32    `json:"gid"`
	Mtime time.Time `json:"mtime"`
	Atime time.Time `json:"atime"`
	Size  uint64    `json:"size"`
}

// Mode format bits, os-independent on the wire.
const (
	S_IFMT   = 0170000
	S_IFSOCK = 0140000
	S_IFLNK  = 0120000
	S_IFREG  = 0100000
	S_IFBLK  = 0060000
	S_IFDIR  = 0040000
	S_IFCHR  = 0020000
	S_IFIFO  = 0010000
)

func IsDir(mode uint32) bool {
	return mode&S_IFMT == S_IFDIR
}

func IsRegular(mode uint32) bool {
	return mode&S_IFMT == S_IFREG
}

func IsSymlink(mode uint32) bool {
	return mode&S_IFMT == S_IFLNK
}

func IsSpecial(mode uint32) bool {
	switch mode & S_IFMT {
	case S_IFSOCK, S_IFBLK, S_IFCHR, S_IFIFO:
		return true
	}
	return false
}
