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
	"encoding/binary"
	"fmt"
	"sort"
	"syscall"

	"github.com/stratofs/stratofs/proto"
	"github.com/stratofs/stratofs/util/errors"
	"github.com/stratofs/stratofs/util/log"
)

// Virtual directory attributes synthesized from the recursive stats
// block. They never live in the blob and are not listed.
const (
	xattrDirPrefix = "user.stratofs.dir."

	XattrDirEntries  = xattrDirPrefix + "entries"
	XattrDirFiles    = xattrDirPrefix + "files"
	XattrDirSubdirs  = xattrDirPrefix + "subdirs"
	XattrDirREntries = xattrDirPrefix + "rentries"
	XattrDirRBytes   = xattrDirPrefix + "rbytes"
	XattrDirRFiles   = xattrDirPrefix + "rfiles"
	XattrDirRSubdirs = xattrDirPrefix + "rsubdirs"
	XattrDirRCtime   = xattrDirPrefix + "rctime"
)

// decodeXattrBlob parses the packed attribute blob: a little-endian
// u32 pair count, then length-prefixed name and value per pair. Any
// overrun marks the blob corrupt.
func decodeXattrBlob(blob []byte) (map[string][]byte, error) {
	out := make(map[string][]byte)
	if len(blob) == 0 {
		return out, nil
	}
	if len(blob) < 4 {
		return nil, errors.Trace(syscall.EIO, "xattr blob truncated at count")
	}
	count := binary.LittleEndian.Uint32(blob)
	p := blob[4:]

	next := func() ([]byte, error) {
		if len(p) < 4 {
			return nil, errors.Trace(syscall.EIO, "xattr blob truncated at length")
		}
		n := binary.LittleEndian.Uint32(p)
		p = p[4:]
		if uint32(len(p)) < n {
			return nil, errors.Trace(syscall.EIO,
				"xattr blob truncated: want %v bytes, have %v", n, len(p))
		}
		v := p[:n]
		p = p[n:]
		return v, nil
	}

	for i := uint32(0); i < count; i++ {
		name, err := next()
		if err != nil {
			return nil, err
		}
		val, err := next()
		if err != nil {
			return nil, err
		}
		out[string(name)] = append([]byte(nil), val...)
	}
	return out, nil
}

type xattrKey struct {
	vino    proto.Vino
	version uint64
}

// decodedXattrs returns the parsed attribute map for the inode's
// current version, memoized so repeated listings of a hot inode do
// not re-parse the blob.
func (mc *MetaCache) decodedXattrs(ino *Inode) (map[string][]byte, error) {
	ino.mu.Lock()
	key := xattrKey{vino: ino.vino, version: ino.version}
	blob := ino.xattr
	ino.mu.Unlock()

	if v, ok := mc.xattrMemo.Get(key); ok {
		return v.(map[string][]byte), nil
	}
	m, err := decodeXattrBlob(blob)
	if err != nil {
		return nil, errors.Trace(err, "decodedXattrs: inode %v version %v", key.vino, key.version)
	}
	mc.xattrMemo.Add(key, m)
	return m, nil
}

// virtualXattr synthesizes the value of a directory statistics
// attribute, or reports the name is not virtual.
func (ino *Inode) virtualXattr(name string) ([]byte, bool) {
	dir := ino.dirState()
	if dir == nil {
		return nil, false
	}
	ino.mu.Lock()
	stats := dir.stats
	ino.mu.Unlock()

	var s string
	switch name {
	case XattrDirEntries:
		s = fmt.Sprintf("%d", stats.Files+stats.Subdirs)
	case XattrDirFiles:
		s = fmt.Sprintf("%d", stats.Files)
	case XattrDirSubdirs:
		s = fmt.Sprintf("%d", stats.Subdirs)
	case XattrDirREntries:
		s = fmt.Sprintf("%d", stats.RFiles+stats.RSubdirs)
	case XattrDirRBytes:
		s = fmt.Sprintf("%d", stats.RBytes)
	case XattrDirRFiles:
		s = fmt.Sprintf("%d", stats.RFiles)
	case XattrDirRSubdirs:
		s = fmt.Sprintf("%d", stats.RSubdirs)
	case XattrDirRCtime:
		s = fmt.Sprintf("%d.%09d", stats.RCtime.Unix(), stats.RCtime.Nanosecond())
	default:
		return nil, false
	}
	return []byte(s), true
}

// lookupXattr resolves one extended attribute from the cached blob,
// virtual names first. ENODATA when absent.
func (mc *MetaCache) lookupXattr(ino *Inode, name string) ([]byte, error) {
	if v, ok := ino.virtualXattr(name); ok {
		return v, nil
	}
	m, err := mc.decodedXattrs(ino)
	if err != nil {
		return nil, err
	}
	v, ok := m[name]
	if !ok {
		return nil, syscall.ENODATA
	}
	log.LogDebugf("lookupXattr: %v %q -> %v bytes", ino.vino, name, len(v))
	return append([]byte(nil), v...), nil
}

// listXattrNames returns the sorted attribute names in the cached
// blob. Virtual names are excluded.
func (mc *MetaCache) listXattrNames(ino *Inode) ([]string, error) {
	m, err := mc.decodedXattrs(ino)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
