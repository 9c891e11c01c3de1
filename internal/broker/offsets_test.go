package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAckInOrderAdvancesWatermark(t *testing.T) {
	tr := newOffsetTracker()
	tr.Observe(0, 5)
	tr.Observe(0, 6)
	tr.Observe(0, 7)

	commit, ok := tr.Ack(0, 5)
	require.True(t, ok)
	assert.Equal(t, int64(5), commit)

	commit, ok = tr.Ack(0, 6)
	require.True(t, ok)
	assert.Equal(t, int64(6), commit)

	commit, ok = tr.Ack(0, 7)
	require.True(t, ok)
	assert.Equal(t, int64(7), commit)
}

// Two devices sharing a partition ack through different workers. The
// later offset completing first must not move the commit cursor past
// the earlier one, or a failed message would never be redelivered.
func TestAckOutOfOrderHeldUntilGapCloses(t *testing.T) {
	tr := newOffsetTracker()
	tr.Observe(3, 5)
	tr.Observe(3, 6)

	_, ok := tr.Ack(3, 6)
	assert.False(t, ok, "offset 6 acked while 5 outstanding must not commit")

	commit, ok := tr.Ack(3, 5)
	require.True(t, ok)
	assert.Equal(t, int64(6), commit, "closing the gap releases the whole run")
}

func TestUnackedOffsetStallsAllLaterCommits(t *testing.T) {
	tr := newOffsetTracker()
	for off := int64(10); off < 15; off++ {
		tr.Observe(0, off)
	}

	// Everything after 10 completes; 10 never does.
	for off := int64(11); off < 15; off++ {
		_, ok := tr.Ack(0, off)
		assert.False(t, ok, "offset %d must stay held behind 10", off)
	}
}

func TestPartitionsTrackedIndependently(t *testing.T) {
	tr := newOffsetTracker()
	tr.Observe(0, 1)
	tr.Observe(1, 9)

	commit, ok := tr.Ack(1, 9)
	require.True(t, ok)
	assert.Equal(t, int64(9), commit)

	commit, ok = tr.Ack(0, 1)
	require.True(t, ok)
	assert.Equal(t, int64(1), commit)
}

func TestObserveAfterRebalanceResetsWindow(t *testing.T) {
	tr := newOffsetTracker()
	tr.Observe(0, 4)
	tr.Observe(0, 5)

	// Partition revoked and reassigned: the broker re-serves from the
	// committed offset, so the stale window is discarded.
	tr.Observe(0, 4)
	tr.Observe(0, 5)

	commit, ok := tr.Ack(0, 4)
	require.True(t, ok)
	assert.Equal(t, int64(4), commit)

	commit, ok = tr.Ack(0, 5)
	require.True(t, ok)
	assert.Equal(t, int64(5), commit)
}

func TestAckUnknownPartitionIsNoop(t *testing.T) {
	tr := newOffsetTracker()
	_, ok := tr.Ack(2, 7)
	assert.False(t, ok)
}
