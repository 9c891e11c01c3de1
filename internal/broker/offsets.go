package broker

// offsetTracker holds per-partition ack bookkeeping. Kafka group
// offsets are cumulative: committing offset N declares everything
// before N handled. Devices on one partition fan out across dispatch
// workers and ack out of order, so a raw commit of a later offset
// would silently commit an earlier message that was left unacked for
// redelivery. The tracker therefore releases only the contiguous
// low-watermark: an ack is held until every earlier fetched offset of
// its partition has been acked.
//
// Not safe for concurrent use; the Consumer serializes access.
type offsetTracker struct {
	partitions map[int]*partitionWindow
}

type partitionWindow struct {
	// pending is the fetched-but-uncommitted offsets in fetch order.
	pending []int64
	// acked marks pending offsets whose processing completed.
	acked map[int64]bool
	// lastObserved detects re-fetch after a rebalance.
	lastObserved int64
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int]*partitionWindow)}
}

// Observe records a fetched offset. Offsets arrive in order per
// partition; seeing an offset at or before the last observed one means
// the partition was revoked and re-fetched, so the stale window is
// discarded.
func (t *offsetTracker) Observe(partition int, offset int64) {
	w, ok := t.partitions[partition]
	if !ok {
		w = &partitionWindow{acked: make(map[int64]bool), lastObserved: -1}
		t.partitions[partition] = w
	}
	if w.lastObserved >= 0 && offset <= w.lastObserved {
		w.pending = w.pending[:0]
		w.acked = make(map[int64]bool)
	}
	w.pending = append(w.pending, offset)
	w.lastObserved = offset
}

// Ack marks an offset handled and returns the highest offset that is
// now safe to commit. ok is false while an earlier offset of the
// partition is still outstanding: the commit cursor stalls there so an
// unacked message stays redeliverable.
func (t *offsetTracker) Ack(partition int, offset int64) (commit int64, ok bool) {
	w, found := t.partitions[partition]
	if !found {
		return 0, false
	}
	w.acked[offset] = true

	advanced := false
	for len(w.pending) > 0 && w.acked[w.pending[0]] {
		commit = w.pending[0]
		delete(w.acked, w.pending[0])
		w.pending = w.pending[1:]
		advanced = true
	}
	return commit, advanced
}
