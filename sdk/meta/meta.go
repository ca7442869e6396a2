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
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/stratofs/stratofs/proto"
	"github.com/stratofs/stratofs/util/errors"
	"github.com/stratofs/stratofs/util/exporter"
	"github.com/stratofs/stratofs/util/log"
)

const (
	DefaultSnapDirName     = ".snap"
	DefaultInodeExpiration = 2 * time.Hour
	DefaultMaxInodeCache   = 2000000
	DefaultXattrMemoSize   = 1024

	// capability renegotiation throttle
	defaultCapReconsiderRate  = 4
	defaultCapReconsiderBurst = 16
)

// CapHint tells the capability manager why a renegotiation is being
// suggested.
type CapHint int

const (
	CapHintUnused CapHint = iota
	// CapHintApproachingMax: a locally written file is nearing its
	// negotiated size ceiling.
	CapHintApproachingMax
)

// CapProvider is the capability manager the cache consults for write
// authority. It lives outside this package; the cache only reads the
// issued mask and nudges renegotiation.
type CapProvider interface {
	// CapsIssued returns the capability mask currently held for the
	// inode. Called on reply-handling paths; must not block.
	CapsIssued(ino *Inode) proto.CapMask

	// ReconsiderCaps asks for renegotiation. Invoked from its own
	// goroutine, rate limited by the cache.
	ReconsiderCaps(ino *Inode, hint CapHint)
}

// MetaRequester carries a metadata request to the cluster and returns
// the decoded reply together with the session that served it.
type MetaRequester interface {
	IssueMetaRequest(ctx context.Context, op uint8, target proto.Vino, name string, payload interface{}) (*proto.MetaReply, *Session, error)
}

// Config carries the tunables of one cache instance. Zero values take
// the defaults above.
type Config struct {
	Cluster string
	Volume  string

	// SnapDirName is the synthetic entry under every live directory
	// through which its snapshot views are reached.
	SnapDirName string

	InodeExpiration time.Duration
	MaxInodeCache   int
	XattrMemoSize   int

	// Clock, when set, replaces the wall clock. Tests inject a mock
	// here.
	Clock clock.Clock
}

func (c *Config) fillDefaults() {
	if c.SnapDirName == "" {
		c.SnapDirName = DefaultSnapDirName
	}
	if c.InodeExpiration <= 0 {
		c.InodeExpiration = DefaultInodeExpiration
	}
	if c.MaxInodeCache <= 0 {
		c.MaxInodeCache = DefaultMaxInodeCache
	}
	if c.XattrMemoSize <= 0 {
		c.XattrMemoSize = DefaultXattrMemoSize
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// MetaCache is the client-side metadata cache of one volume: the inode
// table, the name graph, per-directory fragment trees, and both lease
// caches, fed by reply assimilation and read by the operation layer.
type MetaCache struct {
	conf  Config
	clock clock.Clock

	table *inodeTable
	graph *nameGraph

	caps      CapProvider
	requester MetaRequester

	// lookupGroup collapses concurrent fetches of the same position
	// into one round trip.
	lookupGroup singleflight.Group

	xattrMemo  *lru.Cache
	capLimiter *rate.Limiter

	rootMu      sync.Mutex
	rootBinding *Binding
}

func NewMetaCache(conf Config, caps CapProvider, requester MetaRequester) (*MetaCache, error) {
	if caps == nil {
		return nil, errors.New("NewMetaCache: nil capability provider")
	}
	if requester == nil {
		return nil, errors.New("NewMetaCache: nil requester")
	}
	conf.fillDefaults()

	memo, err := lru.New(conf.XattrMemoSize)
	if err != nil {
		return nil, errors.Trace(err, "NewMetaCache: xattr memo")
	}
	mc := &MetaCache{
		conf:       conf,
		clock:      conf.Clock,
		graph:      newNameGraph(),
		caps:       caps,
		requester:  requester,
		xattrMemo:  memo,
		capLimiter: rate.NewLimiter(defaultCapReconsiderRate, defaultCapReconsiderBurst),
	}
	mc.table = newInodeTable(conf.InodeExpiration, conf.MaxInodeCache, conf.Clock)
	log.LogInfof("NewMetaCache: cluster(%v) volume(%v) snapdir(%q) inodes(%v)",
		conf.Cluster, conf.Volume, conf.SnapDirName, conf.MaxInodeCache)
	return mc, nil
}

func (mc *MetaCache) Close() {
	mc.table.Close()
}

// Root returns the root binding and inode, or nils before the first
// assimilated reply bootstraps them.
func (mc *MetaCache) Root() (*Binding, *Inode) {
	mc.rootMu.Lock()
	dn := mc.rootBinding
	mc.rootMu.Unlock()
	if dn == nil {
		return nil, nil
	}
	return dn, dn.Inode()
}

// reconsiderCaps forwards a renegotiation hint to the capability
// manager, throttled and off the caller's goroutine.
func (mc *MetaCache) reconsiderCaps(ino *Inode, hint CapHint) {
	if !mc.capLimiter.Allow() {
		exporter.NewCounter("cap_reconsider_throttled").Add(1)
		return
	}
	go mc.caps.ReconsiderCaps(ino, hint)
}
