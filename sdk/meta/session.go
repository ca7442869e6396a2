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
	"time"

	"github.com/google/uuid"

	"github.com/stratofs/stratofs/util/log"
)

// Session is the client's ongoing relationship with one metadata
// cluster node. Leases remember the generation they were granted
// under; bumping the generation on reconnection invalidates them all
// lazily, without a sweep.
type Session struct {
	id   uuid.UUID
	node uint32

	mu  sync.Mutex
	gen uint32
	ttl time.Time
}

func NewSession(node uint32, ttl time.Time) *Session {
	return &Session{
		id:   uuid.New(),
		node: node,
		gen:  1,
		ttl:  ttl,
	}
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

func (s *Session) Node() uint32 {
	return s.node
}

func (s *Session) String() string {
	return fmt.Sprintf("session{id(%v) node(%v)}", s.id, s.node)
}

// Renew extends the session lease.
func (s *Session) Renew(ttl time.Time) {
	s.mu.Lock()
	if ttl.After(s.ttl) {
		s.ttl = ttl
	}
	s.mu.Unlock()
}

// BumpGeneration is called after a reconnection. Every lease granted
// under the previous generation becomes stale at its next validity
// check.
func (s *Session) BumpGeneration(ttl time.Time) {
	s.mu.Lock()
	s.gen++
	s.ttl = ttl
	s.mu.Unlock()
	log.LogInfof("session %v: generation bumped to %v", s.id, s.gen)
}

// capState reads the generation and session expiry consistently.
// Callers hold the lease owner's lock first; this lock is always
// acquired second.
func (s *Session) capState() (gen uint32, ttl time.Time) {
	s.mu.Lock()
	gen = s.gen
	ttl = s.ttl
	s.mu.Unlock()
	return
}
