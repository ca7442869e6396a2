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

// leaseState is the cached lease for one target, either inode scope
// or entry scope; both use the same mechanics. The session pointer is
// a lookup key for generation/ttl checks, never an ownership edge.
// The target's own lock guards the state and is always taken before
// the session lock.
type leaseState struct {
	session *Session
	gen     uint32
	mask    proto.LeaseMask
	ttl     time.Time
}

// grant folds one cluster-issued grant into the cached lease and
// returns the mask actually retained, zero when the grant is refused.
//
// Only one session may hold the lease at a time: a grant from another
// session is refused until the current one is gone, since dropping it
// would require coordinating with that session. A grant that would
// shorten a still-current lease is also refused, unless the cached
// one is from a stale generation and therefore already dead. The
// caller holds the target's lock; pin, when non-nil, is invoked
// exactly once, when the state first acquires a session.
func (ls *leaseState) grant(info *proto.LeaseInfo, session *Session, from time.Time, pin func()) proto.LeaseMask {
	if info == nil || info.Mask == 0 {
		return 0
	}
	ttl := from.Add(time.Duration(info.DurationMs) * time.Millisecond)
	gen, _ := session.capState()

	if ls.session != nil && ls.session != session {
		return 0
	}
	if !ls.ttl.IsZero() && ttl.Before(ls.ttl) && ls.gen == gen {
		return 0
	}

	ls.ttl = ttl
	ls.gen = gen
	ls.mask = info.Mask
	if ls.session == nil {
		ls.session = session
		if pin != nil {
			pin()
		}
	}
	return info.Mask
}

// reap clears the lease once it is observed dead, whether from its own
// ttl, the session expiring, or a generation bump, and gives back the
// reference the first grant took. Death is detected lazily at the next
// grant or validity check; no sweep runs. The caller holds the
// target's lock.
func (ls *leaseState) reap(now time.Time, unpin func()) {
	if ls.session == nil || ls.valid(now) {
		return
	}
	*ls = leaseState{}
	if unpin != nil {
		unpin()
	}
}

// valid reports whether the lease still stands at now: same session
// generation, session alive, own expiry not passed. Session staleness
// is detected lazily here; no sweep invalidates leases.
func (ls *leaseState) valid(now time.Time) bool {
	if ls.session == nil {
		return false
	}
	gen, sttl := ls.session.capState()
	return ls.gen == gen && now.Before(sttl) && now.Before(ls.ttl)
}

// grantInodeLease applies an inode-scope lease grant, using the
// request start time as the clock origin so the duration is not eaten
// by assimilation delay.
func (mc *MetaCache) grantInodeLease(ino *Inode, info *proto.LeaseInfo, session *Session, from time.Time) proto.LeaseMask {
	if info == nil || info.Mask == 0 {
		return 0
	}
	ino.mu.Lock()
	ino.lease.reap(mc.clock.Now(), func() { mc.table.Unpin(ino) })
	mask := ino.lease.grant(info, session, from, func() { mc.table.Pin(ino) })
	ino.mu.Unlock()
	log.LogDebugf("grantInodeLease %v: %v granted(%v)", ino.vino, info, mask)
	return mask
}

// InodeLeaseValid reports whether cached attributes of the classes in
// mask may be served without a round trip. An exclusive capability
// stands in for the content classes without a separate lease.
func (mc *MetaCache) InodeLeaseValid(ino *Inode, mask proto.LeaseMask) bool {
	now := mc.clock.Now()
	issued := mc.caps.CapsIssued(ino)

	ino.mu.Lock()
	ino.lease.reap(now, func() { mc.table.Unpin(ino) })
	var have proto.LeaseMask
	if ino.lease.valid(now) {
		have = ino.lease.mask
	}
	ino.mu.Unlock()
	if issued&proto.CapExcl != 0 {
		have |= proto.LeaseIContent
	}

	ok := have&mask == mask
	log.LogDebugf("InodeLeaseValid %v: have(%v) want(%v) = %v",
		ino.vino, have, mask, ok)
	return ok
}

// grantEntryLease applies an entry-scope grant to a binding. A grant
// with an empty mask stamps the binding with the parent directory's
// current version instead, so consecutive unleased lookups can later
// be grouped by whether the parent changed underneath them.
func (mc *MetaCache) grantEntryLease(b *Binding, parent *Inode, info *proto.LeaseInfo, session *Session, from time.Time) {
	if info == nil || info.Mask == 0 {
		parent.mu.Lock()
		stamp := parent.version
		parent.mu.Unlock()

		b.mu.Lock()
		b.dirStamp = stamp
		b.mu.Unlock()
		log.LogDebugf("grantEntryLease %v: no lease, dir stamp %v", b.key, stamp)
		return
	}

	b.mu.Lock()
	b.lease.reap(mc.clock.Now(), nil)
	mask := b.lease.grant(info, session, from, nil)
	b.mu.Unlock()
	log.LogDebugf("grantEntryLease %v: %v granted(%v)", b.key, info, mask)
}

// EntryLeaseValid reports whether the binding itself is covered by a
// live entry lease.
func (mc *MetaCache) EntryLeaseValid(b *Binding) bool {
	now := mc.clock.Now()
	b.mu.Lock()
	b.lease.reap(now, nil)
	ok := b.lease.mask&proto.LeaseDN != 0 && b.lease.valid(now)
	b.mu.Unlock()
	return ok
}

// entryFresh additionally accepts the version-stamp fallback: an
// unleased binding is still fresh while the parent holds a content
// lease and its version has not moved since the stamp.
func (mc *MetaCache) entryFresh(b *Binding, parent *Inode) bool {
	if mc.EntryLeaseValid(b) {
		return true
	}
	if !mc.InodeLeaseValid(parent, proto.LeaseIContent) {
		return false
	}
	parent.mu.Lock()
	version := parent.version
	parent.mu.Unlock()

	b.mu.Lock()
	ok := b.dirStamp != 0 && b.dirStamp == version
	b.mu.Unlock()
	return ok
}
