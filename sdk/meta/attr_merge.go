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
	"time"

	"github.com/stratofs/stratofs/proto"
	"github.com/stratofs/stratofs/util/log"
)

// FileBits are the inode attributes whose reconciliation depends on
// which capabilities the client holds: size and the three timestamps,
// fenced by the truncate and time-warp sequence numbers.
type FileBits struct {
	Size        uint64
	Blocks      uint64
	TruncateSeq uint64
	TimeWarpSeq uint64
	Ctime       time.Time
	Mtime       time.Time
	Atime       time.Time
}

func blocksFor(size uint64) uint64 {
	return (size + (1 << 9) - 1) >> 9
}

// MergeFileBits reconciles an authoritative snapshot of the file bits
// into the currently cached ones.
//
// Size is monotonic within a truncate epoch and resets on a strictly
// newer epoch, so reordered reports from concurrent writers cannot
// shrink the file. Timestamp authority depends on the issued
// capabilities: with EXCL the local values win except for a newer
// ctime; with WR or WRBUFFER a strictly newer time-warp seq means a
// foreign utimes() happened and the snapshot wins wholesale, an equal
// seq advances each timestamp independently, and an older seq is
// discarded; with no write capability the cluster is authoritative
// whenever its time-warp seq has not gone backwards. A backwards seq
// is a diagnostic, never a correction.
func MergeFileBits(cur FileBits, issued proto.CapMask, in FileBits) FileBits {
	merged := cur
	warn := false

	if in.TruncateSeq > cur.TruncateSeq ||
		(in.TruncateSeq == cur.TruncateSeq && in.Size > cur.Size) {
		merged.Size = in.Size
		merged.Blocks = blocksFor(in.Size)
		merged.TruncateSeq = in.TruncateSeq
	}

	switch {
	case issued&proto.CapExcl != 0:
		// Local values are the newest for everything except
		// possibly ctime.
		if in.Ctime.After(cur.Ctime) {
			merged.Ctime = in.Ctime
		}
		if in.TimeWarpSeq > cur.TimeWarpSeq {
			log.LogWarnf("mergeFileBits: cluster time_warp_seq %v > %v while holding EXCL",
				in.TimeWarpSeq, cur.TimeWarpSeq)
		}
	case issued&(proto.CapWr|proto.CapWrBuffer) != 0:
		if in.TimeWarpSeq > cur.TimeWarpSeq {
			// the cluster performed a utimes()
			merged.Ctime = in.Ctime
			merged.Mtime = in.Mtime
			merged.Atime = in.Atime
			merged.TimeWarpSeq = in.TimeWarpSeq
		} else if in.TimeWarpSeq == cur.TimeWarpSeq {
			if in.Ctime.After(cur.Ctime) {
				merged.Ctime = in.Ctime
			}
			if in.Mtime.After(cur.Mtime) {
				merged.Mtime = in.Mtime
			}
			if in.Atime.After(cur.Atime) {
				merged.Atime = in.Atime
			}
		} else {
			warn = true
		}
	default:
		// No write capability: whatever the cluster says is true.
		if in.TimeWarpSeq >= cur.TimeWarpSeq {
			merged.Ctime = in.Ctime
			merged.Mtime = in.Mtime
			merged.Atime = in.Atime
			merged.TimeWarpSeq = in.TimeWarpSeq
		} else {
			warn = true
		}
	}
	if warn {
		log.LogDebugf("mergeFileBits: cluster time_warp_seq went backwards, %v < %v",
			in.TimeWarpSeq, cur.TimeWarpSeq)
	}
	return merged
}
