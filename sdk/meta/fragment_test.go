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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratofs/stratofs/proto"
)

func TestFragIdEncoding(t *testing.T) {
	f := fragMake(2, 0b01)
	require.Equal(t, uint32(2), fragBits(f))
	require.Equal(t, uint32(0b01), fragValue(f))

	// width-2 value 01 covers every hash ending in 01
	require.True(t, fragContains(f, 0b0101))
	require.True(t, fragContains(f, 0b1101))
	require.False(t, fragContains(f, 0b0111))

	// the root fragment covers everything
	require.True(t, fragContains(fragMake(0, 0), 0xabcdef))
}

func TestFragTreeUnsplitRoot(t *testing.T) {
	ft := newFragTree(liveVino(10))

	id, info, found, err := ft.choose(0x1234)
	require.NoError(t, err)
	require.Equal(t, fragMake(0, 0), id)
	require.False(t, found)
	require.Nil(t, info)
}

func TestFragTreeTwoLevelSplit(t *testing.T) {
	ft := newFragTree(liveVino(10))

	// root splits two ways; child 1 splits again two ways
	ft.recordSplit(fragMake(0, 0), 1)
	ft.recordSplit(fragMake(1, 1), 1)

	ft.mergeDelegation(&proto.DirFragInfo{Frag: fragMake(1, 0), Auth: 2})
	ft.mergeDelegation(&proto.DirFragInfo{Frag: fragMake(2, 0b01), Auth: 3})
	ft.mergeDelegation(&proto.DirFragInfo{Frag: fragMake(2, 0b11), Auth: 4, Replicas: []uint32{5, 6}})

	cases := []struct {
		v    uint32
		id   uint32
		auth int32
	}{
		{0b0000, fragMake(1, 0), 2},
		{0b0110, fragMake(1, 0), 2},
		{0b0001, fragMake(2, 0b01), 3},
		{0b0101, fragMake(2, 0b01), 3},
		{0b0011, fragMake(2, 0b11), 4},
		{0b1111, fragMake(2, 0b11), 4},
	}
	for _, c := range cases {
		id, info, found, err := ft.choose(c.v)
		require.NoError(t, err)
		require.Equal(t, c.id, id, "hash %#b", c.v)
		require.True(t, found)
		require.Equal(t, c.auth, info.Auth)
	}

	require.NoError(t, ft.verifyDelegations())
}

func TestFragTreeReplicaCap(t *testing.T) {
	ft := newFragTree(liveVino(10))
	ft.mergeDelegation(&proto.DirFragInfo{
		Frag:     fragMake(0, 0),
		Auth:     1,
		Replicas: []uint32{1, 2, 3, 4, 5, 6, 7},
	})
	_, info, found, err := ft.choose(0)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, info.Replicas, proto.MaxFragReplicas)
}

func TestFragTreeEmptyDelegation(t *testing.T) {
	ft := newFragTree(liveVino(10))

	// removing a leaf deletes the record entirely
	ft.mergeDelegation(&proto.DirFragInfo{Frag: fragMake(1, 0), Auth: 2})
	ft.mergeDelegation(&proto.DirFragInfo{Frag: fragMake(1, 0), Auth: proto.NoDelegate})
	require.Empty(t, ft.frags)

	// removing a branch only clears its referral, routing survives
	ft.recordSplit(fragMake(0, 0), 1)
	ft.mergeDelegation(&proto.DirFragInfo{Frag: fragMake(0, 0), Auth: 7})
	ft.mergeDelegation(&proto.DirFragInfo{Frag: fragMake(0, 0), Auth: proto.NoDelegate})

	root := ft.frags[fragMake(0, 0)]
	require.NotNil(t, root)
	require.Equal(t, uint32(1), root.splitBy)
	require.Equal(t, proto.NoDelegate, root.auth)

	id, _, found, err := ft.choose(0b1)
	require.NoError(t, err)
	require.Equal(t, fragMake(1, 1), id)
	require.False(t, found)
}

func TestVerifyDelegationsOverlap(t *testing.T) {
	ft := newFragTree(liveVino(10))

	// a wide leaf and a narrower one inside its range
	ft.mergeDelegation(&proto.DirFragInfo{Frag: fragMake(1, 1), Auth: 2})
	ft.mergeDelegation(&proto.DirFragInfo{Frag: fragMake(2, 0b01), Auth: 3})
	require.Error(t, ft.verifyDelegations())

	// disjoint leaves pass even when they do not cover everything
	ft2 := newFragTree(liveVino(11))
	ft2.mergeDelegation(&proto.DirFragInfo{Frag: fragMake(2, 0b00), Auth: 1})
	ft2.mergeDelegation(&proto.DirFragInfo{Frag: fragMake(2, 0b11), Auth: 2})
	require.NoError(t, ft2.verifyDelegations())
}

func TestChooseFragThroughInode(t *testing.T) {
	env := newTestEnv(t)
	root := env.bootstrap(t)

	// non-directories route everything to the root fragment
	file, _ := env.mc.table.GetOrCreate(liveVino(99))
	id, _, found, err := env.mc.ChooseFrag(file, 0x42)
	require.NoError(t, err)
	require.Equal(t, fragMake(0, 0), id)
	require.False(t, found)

	root.applySplits([]proto.FragSplit{{Frag: fragMake(0, 0), By: 1}})
	root.applyDirFrag(&proto.DirFragInfo{Frag: fragMake(1, 1), Auth: 3})

	id, info, found, err := env.mc.ChooseFrag(root, 0b101)
	require.NoError(t, err)
	require.Equal(t, fragMake(1, 1), id)
	require.True(t, found)
	require.Equal(t, int32(3), info.Auth)
	require.NoError(t, env.mc.CheckFragTree(root))
}
