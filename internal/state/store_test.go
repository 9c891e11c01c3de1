package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/models"
)

func TestGetOrCreateReturnsZeroValue(t *testing.T) {
	s := NewShard()
	k := Key{DeviceID: "42", RuleID: "persist_42_a_gt_5"}

	st := s.GetOrCreate(k)
	require.NotNil(t, st)
	assert.Equal(t, 0, st.ConsecutiveCount)
	assert.Equal(t, int64(0), st.LastSeqSeen)
	assert.False(t, st.Fired)
	assert.Equal(t, 1, s.Len())

	// Same slot on repeat lookups.
	assert.Same(t, st, s.GetOrCreate(k))
	assert.Equal(t, 1, s.Len())
}

func TestPutReplacesSlot(t *testing.T) {
	s := NewShard()
	k := Key{DeviceID: "42", RuleID: "r"}
	s.GetOrCreate(k)

	next := &RuleState{ConsecutiveCount: 3, LastSeqSeen: 3}
	s.Put(k, next)

	got := s.GetOrCreate(k)
	assert.Same(t, next, got)
	assert.Equal(t, 3, got.ConsecutiveCount)
	assert.False(t, got.Touched.IsZero(), "Put stamps Touched for eviction")
}

func TestKeysAreIndependentPerDeviceAndRule(t *testing.T) {
	s := NewShard()
	a := s.GetOrCreate(Key{DeviceID: "42", RuleID: "r"})
	b := s.GetOrCreate(Key{DeviceID: "43", RuleID: "r"})
	c := s.GetOrCreate(Key{DeviceID: "42", RuleID: "other"})

	a.ConsecutiveCount = 9
	assert.Equal(t, 0, b.ConsecutiveCount)
	assert.Equal(t, 0, c.ConsecutiveCount)
	assert.Equal(t, 3, s.Len())
}

func TestResetZeroesSlot(t *testing.T) {
	s := NewShard()
	k := Key{DeviceID: "42", RuleID: "r"}
	s.Put(k, &RuleState{ConsecutiveCount: -7, LastSeqSeen: 12})

	s.Reset(k)
	st := s.GetOrCreate(k)
	assert.Equal(t, 0, st.ConsecutiveCount)
	assert.Equal(t, int64(0), st.LastSeqSeen)
}

func TestEvictDropsIdleSlots(t *testing.T) {
	s := NewShard()
	old := &RuleState{}
	old.Touched = time.Now().Add(-2 * time.Hour)
	s.slots[Key{DeviceID: "idle", RuleID: "r"}] = old

	s.Put(Key{DeviceID: "active", RuleID: "r"}, &RuleState{})

	n := s.Evict(time.Now().Add(-time.Hour))
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.Len())
	_, active := s.slots[Key{DeviceID: "active", RuleID: "r"}]
	assert.True(t, active)
}

func TestAppendWindowKeepsMostRecent(t *testing.T) {
	st := &RuleState{}
	for seq := int64(1); seq <= 5; seq++ {
		st.AppendWindow(&models.TelemetryMessage{DeviceID: "42", Seq: seq}, 3)
	}

	require.Len(t, st.Window, 3)
	assert.Equal(t, int64(3), st.Window[0].Seq)
	assert.Equal(t, int64(5), st.Window[2].Seq, "window-end message last")
}
