package shardmap

import (
	"testing"

	"github.com/jonas747/tsshard"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDataset(name string, numShards int) tsshard.Dataset {
	return tsshard.Dataset{
		Name:      name,
		NumShards: numShards,
		Schema: tsshard.Schema{
			Name:    "prom",
			Columns: []tsshard.Column{{Name: "timestamp", Type: "ts"}, {Name: "value", Type: "double"}},
		},
	}
}

func TestNewMapper(t *testing.T) {
	m := NewMapper(testDataset("metrics", 4))

	assert.Equal(t, 4, m.NumShards())
	for i := 0; i < 4; i++ {
		assert.Equal(t, StatusUnassigned, m.Status(i))
		_, ok := m.Owner(i)
		assert.False(t, ok)
	}
}

func TestMapperAssign(t *testing.T) {
	t.Run("assign to registered node", func(t *testing.T) {
		m := NewMapper(testDataset("metrics", 4))
		m.RegisterNode("a")

		require.NoError(t, m.Assign(2, "a"))

		owner, ok := m.Owner(2)
		assert.True(t, ok)
		assert.Equal(t, "a", owner)
		assert.Equal(t, StatusAssigned, m.Status(2))
		assert.Equal(t, []int{2}, m.OwnersOf("a"))
	})

	t.Run("unknown node", func(t *testing.T) {
		m := NewMapper(testDataset("metrics", 4))

		err := m.Assign(0, "ghost")
		assert.Equal(t, ErrUnknownNode, errors.Cause(err))
		assert.Equal(t, StatusUnassigned, m.Status(0))
	})

	t.Run("already assigned", func(t *testing.T) {
		m := NewMapper(testDataset("metrics", 4))
		m.RegisterNode("a")
		m.RegisterNode("b")
		require.NoError(t, m.Assign(0, "a"))

		err := m.Assign(0, "b")
		assert.Equal(t, ErrShardAssigned, errors.Cause(err))

		owner, _ := m.Owner(0)
		assert.Equal(t, "a", owner)
		assert.Empty(t, m.OwnersOf("b"))
	})

	t.Run("out of range", func(t *testing.T) {
		m := NewMapper(testDataset("metrics", 4))
		m.RegisterNode("a")

		assert.Equal(t, ErrShardOutOfRange, errors.Cause(m.Assign(4, "a")))
		assert.Equal(t, ErrShardOutOfRange, errors.Cause(m.Assign(-1, "a")))
	})

	t.Run("down shard can be reassigned", func(t *testing.T) {
		m := NewMapper(testDataset("metrics", 2))
		m.RegisterNode("a")
		m.RegisterNode("b")
		require.NoError(t, m.Assign(1, "a"))
		require.NoError(t, m.Unassign(1, StatusDown))

		require.NoError(t, m.Assign(1, "b"))
		owner, _ := m.Owner(1)
		assert.Equal(t, "b", owner)
	})
}

func TestMapperUnassign(t *testing.T) {
	tests := []struct {
		name   string
		status ShardStatus
	}{
		{name: "to down", status: StatusDown},
		{name: "to unassigned", status: StatusUnassigned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMapper(testDataset("metrics", 3))
			m.RegisterNode("a")
			require.NoError(t, m.Assign(0, "a"))
			require.NoError(t, m.Assign(1, "a"))

			require.NoError(t, m.Unassign(0, tt.status))

			assert.Equal(t, tt.status, m.Status(0))
			_, ok := m.Owner(0)
			assert.False(t, ok)
			assert.Equal(t, []int{1}, m.OwnersOf("a"))
		})
	}

	t.Run("not assigned", func(t *testing.T) {
		m := NewMapper(testDataset("metrics", 3))
		assert.Equal(t, ErrShardNotAssigned, errors.Cause(m.Unassign(0, StatusDown)))
	})

	t.Run("bad target status", func(t *testing.T) {
		m := NewMapper(testDataset("metrics", 3))
		m.RegisterNode("a")
		require.NoError(t, m.Assign(0, "a"))

		assert.Equal(t, ErrBadStatus, m.Unassign(0, StatusAssigned))
		assert.Equal(t, StatusAssigned, m.Status(0))
	})
}

func TestMapperRemoveNode(t *testing.T) {
	m := NewMapper(testDataset("metrics", 2))
	m.RegisterNode("a")
	require.NoError(t, m.Assign(0, "a"))

	assert.Equal(t, ErrNodeOwnsShards, errors.Cause(m.RemoveNode("a")))
	assert.True(t, m.HasNode("a"))

	require.NoError(t, m.Unassign(0, StatusDown))
	require.NoError(t, m.RemoveNode("a"))
	assert.False(t, m.HasNode("a"))

	assert.Equal(t, ErrUnknownNode, errors.Cause(m.RemoveNode("a")))
}

func TestSnapshotIsImmutable(t *testing.T) {
	m := NewMapper(testDataset("metrics", 2))
	m.RegisterNode("a")
	require.NoError(t, m.Assign(0, "a"))

	snap := m.Snapshot()

	require.NoError(t, m.Assign(1, "a"))
	require.NoError(t, m.Unassign(0, StatusDown))

	assert.Equal(t, StatusAssigned, snap.Status(0))
	assert.Equal(t, StatusUnassigned, snap.Status(1))
	assert.Equal(t, 1, snap.NumOwnedBy("a"))
	assert.Equal(t, []ShardState{
		{Shard: 0, Status: "assigned", Owner: "a"},
		{Shard: 1, Status: "unassigned"},
	}, snap.Shards())
}
