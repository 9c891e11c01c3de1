package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/models"
	"vigil/internal/rules"
	"vigil/internal/state"
)

func msg(deviceID string, seq int64, fieldA float64) *models.TelemetryMessage {
	return &models.TelemetryMessage{
		DeviceID: deviceID,
		TS:       "2026-08-30T12:00:00Z",
		Seq:      seq,
		FieldA:   fieldA,
		FieldB:   1.5,
		Battery:  80,
	}
}

func instantRule() *rules.Definition {
	return &rules.Definition{
		RuleID:    "instant_42_a_gt_5",
		Type:      rules.TypeInstant,
		Scope:     "42",
		Predicate: rules.Predicate{Field: models.FieldA, Op: rules.OpGT, Value: 5},
		Severity:  1,
	}
}

func persistentRule(threshold int) *rules.Definition {
	return &rules.Definition{
		RuleID:    "persist_42_a_gt_5",
		Type:      rules.TypePersistent,
		Scope:     "42",
		Predicate: rules.Predicate{Field: models.FieldA, Op: rules.OpGT, Value: 5},
		Threshold: threshold,
		Severity:  2,
	}
}

// runPersistent feeds the messages through one rule's state slot the way
// a worker would, returning every alert produced.
func runPersistent(t *testing.T, def *rules.Definition, pol Policy, msgs []*models.TelemetryMessage) []*models.Alert {
	t.Helper()
	var st *state.RuleState
	var alerts []*models.Alert
	for _, m := range msgs {
		out := Evaluate(def, m, st, pol)
		require.NotNil(t, out.NextState)
		st = out.NextState
		if out.Alert != nil {
			alerts = append(alerts, out.Alert)
		}
	}
	return alerts
}

func TestInstantRuleFiresWithCountOne(t *testing.T) {
	out := Evaluate(instantRule(), msg("42", 1, 6), nil, Policy{})

	require.NotNil(t, out.Alert)
	assert.Nil(t, out.NextState, "instant rules must not touch state")
	assert.Equal(t, "instant_42_a_gt_5", out.Alert.RuleID)
	assert.Equal(t, models.RuleTypeInstant, out.Alert.RuleType)
	assert.Equal(t, 1, out.Alert.Count)
	assert.Equal(t, 1, out.Alert.Severity)
	assert.Equal(t, int64(1), out.Alert.Seq)
	require.Len(t, out.Alert.Payload, 1)
	assert.Equal(t, 6.0, out.Alert.Payload[0].FieldA)
}

func TestInstantRuleNoMatchNoAlert(t *testing.T) {
	out := Evaluate(instantRule(), msg("42", 1, 4), nil, Policy{})
	assert.Nil(t, out.Alert)
}

func TestInstantRuleIgnoresPriorState(t *testing.T) {
	// Whatever state exists for other rules must not influence an
	// instant rule.
	prior := &state.RuleState{ConsecutiveCount: 99, LastSeqSeen: 50}
	out := Evaluate(instantRule(), msg("42", 51, 6), prior, Policy{})
	require.NotNil(t, out.Alert)
	assert.Equal(t, 1, out.Alert.Count)
}

func TestPersistentRuleFiresExactlyAtThreshold(t *testing.T) {
	def := persistentRule(10)
	msgs := make([]*models.TelemetryMessage, 0, 10)
	for seq := int64(1); seq <= 10; seq++ {
		msgs = append(msgs, msg("42", seq, 6))
	}

	alerts := runPersistent(t, def, Policy{}, msgs)

	require.Len(t, alerts, 1)
	assert.Equal(t, "persist_42_a_gt_5", alerts[0].RuleID)
	assert.Equal(t, models.RuleTypePersistent, alerts[0].RuleType)
	assert.Equal(t, 10, alerts[0].Count)
	assert.Equal(t, int64(10), alerts[0].Seq, "must fire at the 10th message, not before")
	assert.Equal(t, 2, alerts[0].Severity)
	assert.Len(t, alerts[0].Payload, 10)
}

func TestPersistentRuleResetOnPredicateFailure(t *testing.T) {
	def := persistentRule(10)
	values := []float64{6, 6, 6, 4, 6, 6, 6, 6, 6, 6, 6}
	msgs := make([]*models.TelemetryMessage, 0, len(values))
	for i, v := range values {
		msgs = append(msgs, msg("42", int64(i+1), v))
	}

	alerts := runPersistent(t, def, Policy{}, msgs)
	assert.Empty(t, alerts, "the non-match at seq 4 resets the run; only 7 consecutive matches follow")
}

func TestPersistentRuleTwoSeparateRunsFireTwice(t *testing.T) {
	def := persistentRule(3)
	values := []float64{6, 6, 6, 2, 6, 6, 6}
	msgs := make([]*models.TelemetryMessage, 0, len(values))
	for i, v := range values {
		msgs = append(msgs, msg("42", int64(i+1), v))
	}

	alerts := runPersistent(t, def, Policy{}, msgs)
	require.Len(t, alerts, 2)
	assert.Equal(t, int64(3), alerts[0].Seq)
	assert.Equal(t, int64(7), alerts[1].Seq)
}

func TestPersistentRuleEdgeTriggerDoesNotRefire(t *testing.T) {
	def := persistentRule(3)
	msgs := make([]*models.TelemetryMessage, 0, 8)
	for seq := int64(1); seq <= 8; seq++ {
		msgs = append(msgs, msg("42", seq, 6))
	}

	alerts := runPersistent(t, def, Policy{}, msgs)
	require.Len(t, alerts, 1, "a run that keeps matching past threshold fires once")
	assert.Equal(t, int64(3), alerts[0].Seq)
}

func TestPersistentRuleDuplicateSeqIsNoOp(t *testing.T) {
	def := persistentRule(10)
	var st *state.RuleState
	for seq := int64(1); seq <= 10; seq++ {
		out := Evaluate(def, msg("42", seq, 6), st, Policy{})
		st = out.NextState
		if seq == 10 {
			require.NotNil(t, out.Alert)
		}
	}

	// Redeliver seq 10: no alert, no state change.
	before := *st
	out := Evaluate(def, msg("42", 10, 6), st, Policy{})
	assert.True(t, out.Duplicate)
	assert.Nil(t, out.Alert)
	assert.Equal(t, before.ConsecutiveCount, out.NextState.ConsecutiveCount)
	assert.Equal(t, before.LastSeqSeen, out.NextState.LastSeqSeen)
	assert.Equal(t, before.Fired, out.NextState.Fired)
}

func TestPersistentRuleOldSeqReplayIsNoOp(t *testing.T) {
	def := persistentRule(5)
	var st *state.RuleState
	for seq := int64(1); seq <= 3; seq++ {
		out := Evaluate(def, msg("42", seq, 6), st, Policy{})
		st = out.NextState
	}

	out := Evaluate(def, msg("42", 2, 6), st, Policy{})
	assert.True(t, out.Duplicate)
	assert.Nil(t, out.Alert)
	assert.Equal(t, 3, out.NextState.ConsecutiveCount)
}

func TestGapDoesNotResetRunByDefault(t *testing.T) {
	def := persistentRule(5)
	seqs := []int64{1, 2, 3, 7, 8} // seqs 4-6 lost in transit
	msgs := make([]*models.TelemetryMessage, 0, len(seqs))
	for _, seq := range seqs {
		msgs = append(msgs, msg("42", seq, 6))
	}

	alerts := runPersistent(t, def, Policy{ResetOnGap: false}, msgs)
	require.Len(t, alerts, 1, "default policy tolerates delivery gaps")
	assert.Equal(t, int64(8), alerts[0].Seq)
}

func TestGapResetsRunWhenConfigured(t *testing.T) {
	def := persistentRule(5)
	seqs := []int64{1, 2, 3, 7, 8}
	msgs := make([]*models.TelemetryMessage, 0, len(seqs))
	for _, seq := range seqs {
		msgs = append(msgs, msg("42", seq, 6))
	}

	alerts := runPersistent(t, def, Policy{ResetOnGap: true}, msgs)
	assert.Empty(t, alerts, "strict policy restarts the run at a gap")
}

func TestGapIsReportedEitherWay(t *testing.T) {
	def := persistentRule(5)
	st := &state.RuleState{ConsecutiveCount: 2, LastSeqSeen: 2}

	for _, pol := range []Policy{{ResetOnGap: false}, {ResetOnGap: true}} {
		out := Evaluate(def, msg("42", 5, 6), st, pol)
		assert.True(t, out.Gap, fmt.Sprintf("policy %+v", pol))
	}
}

func TestResetCauseNamesWhatBrokeTheRun(t *testing.T) {
	def := persistentRule(5)

	t.Run("predicate failure", func(t *testing.T) {
		st := &state.RuleState{ConsecutiveCount: 3, LastSeqSeen: 3}
		out := Evaluate(def, msg("42", 4, 2), st, Policy{})
		assert.Equal(t, "predicate", out.ResetCause)
		assert.Equal(t, 0, out.NextState.ConsecutiveCount)
	})

	t.Run("gap under strict policy", func(t *testing.T) {
		st := &state.RuleState{ConsecutiveCount: 3, LastSeqSeen: 3}
		out := Evaluate(def, msg("42", 7, 6), st, Policy{ResetOnGap: true})
		assert.Equal(t, "gap", out.ResetCause)
	})

	t.Run("gap under default policy keeps the run", func(t *testing.T) {
		st := &state.RuleState{ConsecutiveCount: 3, LastSeqSeen: 3}
		out := Evaluate(def, msg("42", 7, 6), st, Policy{})
		assert.Empty(t, out.ResetCause)
		assert.Equal(t, 4, out.NextState.ConsecutiveCount)
	})

	t.Run("empty run resets silently", func(t *testing.T) {
		out := Evaluate(def, msg("42", 1, 2), nil, Policy{})
		assert.Empty(t, out.ResetCause, "nothing to reset on a fresh slot")
	})
}

func TestFirstMessageWithLargeSeqIsNotAGap(t *testing.T) {
	// LastSeqSeen == 0 is the unset sentinel; a stream may join at any
	// sequence number.
	def := persistentRule(2)
	out := Evaluate(def, msg("42", 100, 6), nil, Policy{})
	assert.False(t, out.Gap)
	assert.False(t, out.Duplicate)
	assert.Equal(t, 1, out.NextState.ConsecutiveCount)
}

func TestCorruptStateIsResetNotPropagated(t *testing.T) {
	def := persistentRule(5)

	corrupted := &state.RuleState{ConsecutiveCount: -3, LastSeqSeen: 4}
	out := Evaluate(def, msg("42", 5, 6), corrupted, Policy{})

	assert.True(t, out.CorruptionReset)
	assert.Nil(t, out.Alert)
	assert.Equal(t, 1, out.NextState.ConsecutiveCount, "evaluation restarts from zero state")
	assert.Equal(t, int64(5), out.NextState.LastSeqSeen)
}

func TestFiredBelowThresholdIsCorrupt(t *testing.T) {
	def := persistentRule(5)
	impossible := &state.RuleState{ConsecutiveCount: 2, Fired: true, LastSeqSeen: 2}

	out := Evaluate(def, msg("42", 3, 6), impossible, Policy{})
	assert.True(t, out.CorruptionReset)
}

func TestWindowPayloadIsCappedForLargeThresholds(t *testing.T) {
	def := persistentRule(100)
	var st *state.RuleState
	var fired *models.Alert
	for seq := int64(1); seq <= 100; seq++ {
		out := Evaluate(def, msg("42", seq, 6), st, Policy{})
		st = out.NextState
		if out.Alert != nil {
			fired = out.Alert
		}
	}

	require.NotNil(t, fired)
	assert.Equal(t, 100, fired.Count)
	assert.Len(t, fired.Payload, maxWindowKeep)
	assert.Equal(t, int64(100), fired.Payload[len(fired.Payload)-1].Seq, "window-end message last")
}

func TestThresholdOneFiresImmediately(t *testing.T) {
	def := persistentRule(1)
	alerts := runPersistent(t, def, Policy{}, []*models.TelemetryMessage{msg("42", 1, 6)})
	require.Len(t, alerts, 1)
	assert.Equal(t, 1, alerts[0].Count)
}
