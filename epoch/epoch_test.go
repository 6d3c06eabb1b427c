// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package epoch

import (
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/shardbft/model"
)

func testCommittee(n int) []Member {
	members := make([]Member, n)
	for i := range members {
		var nodeID ids.NodeID
		nodeID[0] = byte(i + 1)
		members[i] = Member{NodeID: nodeID, Weight: 1}
	}
	return members
}

func TestCommitteeForEpochUnknown(t *testing.T) {
	m := NewStaticManager()
	_, err := m.CommitteeForEpoch(model.ShardGroup{Start: 0, End: 10}, 1)
	require.ErrorIs(t, err, ErrUnknownShard)
}

func TestLeaderForHeightDeterministic(t *testing.T) {
	m := NewStaticManager()
	shard := model.ShardGroup{Start: 0, End: 10}
	m.SetCommittee(shard, 1, testCommittee(4))

	committee, err := m.CommitteeForEpoch(shard, 1)
	require.NoError(t, err)

	leaderA, err := m.LeaderForHeight(committee, 100)
	require.NoError(t, err)
	leaderB, err := m.LeaderForHeight(committee, 100)
	require.NoError(t, err)
	require.Equal(t, leaderA, leaderB)
	require.True(t, committee.Has(leaderA))
}

func TestLeaderForHeightVariesByHeight(t *testing.T) {
	m := NewStaticManager()
	shard := model.ShardGroup{Start: 0, End: 10}
	m.SetCommittee(shard, 1, testCommittee(8))
	committee, err := m.CommitteeForEpoch(shard, 1)
	require.NoError(t, err)

	seen := make(map[ids.NodeID]bool)
	for h := uint64(0); h < 50; h++ {
		leader, err := m.LeaderForHeight(committee, h)
		require.NoError(t, err)
		seen[leader] = true
	}
	require.Greater(t, len(seen), 1)
}

func TestCurrentEpochAndIsValidator(t *testing.T) {
	m := NewStaticManager()
	shard := model.ShardGroup{Start: 0, End: 10}
	members := testCommittee(3)
	m.SetCommittee(shard, 5, members)

	require.Equal(t, uint64(5), m.CurrentEpoch())
	require.True(t, m.IsValidator(5, members[0].NodeID))
	require.False(t, m.IsValidator(6, members[0].NodeID))

	var stranger ids.NodeID
	stranger[0] = 0xff
	require.False(t, m.IsValidator(5, stranger))
}

func TestLeaderForHeightEmptyCommittee(t *testing.T) {
	m := NewStaticManager()
	_, err := m.LeaderForHeight(Committee{}, 1)
	require.Error(t, err)
}
