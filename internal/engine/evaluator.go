// Package engine implements the rule evaluation step: a pure function
// of (message, prior state, rule definition) producing the next state
// and at most one alert. All I/O failure handling lives in dispatch;
// evaluation never fails for valid inputs.
package engine

import (
	"vigil/internal/models"
	"vigil/internal/rules"
	"vigil/internal/state"
)

// maxWindowKeep caps how many messages an alert payload retains for
// very large thresholds.
const maxWindowKeep = 16

// Policy holds the configurable evaluation choices.
type Policy struct {
	// ResetOnGap controls whether a missing sequence number breaks the
	// current run. Default is false: only a failed predicate resets a
	// run, so transient message loss does not suppress alerts.
	ResetOnGap bool
}

// Outcome reports one evaluation step.
type Outcome struct {
	// NextState replaces the slot's state; nil for instant rules,
	// which neither read nor write state.
	NextState *state.RuleState

	// Alert is the single alert this step produced, if any.
	Alert *models.Alert

	// Duplicate is set when the message was a sequence replay and
	// evaluation was skipped entirely.
	Duplicate bool

	// Gap is set when a sequence discontinuity was observed.
	Gap bool

	// CorruptionReset is set when the prior state violated invariants
	// and was discarded before evaluating.
	CorruptionReset bool

	// ResetCause names what broke a non-empty run this step:
	// "predicate" or "gap". Empty when no run was in progress or the
	// run survived.
	ResetCause string
}

// Evaluate runs one rule against one message.
func Evaluate(def *rules.Definition, msg *models.TelemetryMessage, prior *state.RuleState, pol Policy) Outcome {
	if def.Type == rules.TypeInstant {
		return evalInstant(def, msg)
	}
	return evalPersistent(def, msg, prior, pol)
}

func evalInstant(def *rules.Definition, msg *models.TelemetryMessage) Outcome {
	if !def.Predicate.Eval(msg) {
		return Outcome{}
	}
	alert := models.NewAlert(def.RuleID, models.RuleTypeInstant, msg.DeviceID, msg.Seq, 1, def.Severity,
		[]*models.TelemetryMessage{msg})
	return Outcome{Alert: alert}
}

func evalPersistent(def *rules.Definition, msg *models.TelemetryMessage, prior *state.RuleState, pol Policy) Outcome {
	out := Outcome{}

	next := &state.RuleState{}
	if prior != nil {
		if corrupt(def, prior) {
			out.CorruptionReset = true
		} else {
			*next = *prior
		}
	}

	// A replayed sequence was already accounted for; redelivery must
	// not advance the run or fire again.
	if next.LastSeqSeen != 0 && msg.Seq <= next.LastSeqSeen {
		out.Duplicate = true
		out.NextState = next
		return out
	}

	if next.LastSeqSeen != 0 && msg.Seq != next.LastSeqSeen+1 {
		out.Gap = true
		if pol.ResetOnGap {
			if next.ConsecutiveCount > 0 {
				out.ResetCause = "gap"
			}
			next.ConsecutiveCount = 0
			next.Fired = false
			next.Window = nil
		}
	}

	if def.Predicate.Eval(msg) {
		next.ConsecutiveCount++
		windowMax := def.Threshold
		if windowMax > maxWindowKeep {
			windowMax = maxWindowKeep
		}
		next.AppendWindow(msg, windowMax)
	} else {
		if next.ConsecutiveCount > 0 {
			out.ResetCause = "predicate"
		}
		next.ConsecutiveCount = 0
		next.Fired = false
		next.Window = nil
	}
	next.LastSeqSeen = msg.Seq

	// Edge trigger: fire once per unbroken run that reaches threshold.
	// The run keeps counting past threshold without re-firing until a
	// predicate failure resets it.
	if next.ConsecutiveCount >= def.Threshold && !next.Fired {
		next.Fired = true
		payload := make([]*models.TelemetryMessage, len(next.Window))
		copy(payload, next.Window)
		out.Alert = models.NewAlert(def.RuleID, models.RuleTypePersistent, msg.DeviceID, msg.Seq,
			def.Threshold, def.Severity, payload)
	}

	out.NextState = next
	return out
}

// corrupt checks invariants the state must satisfy. A violating slot is
// discarded rather than allowed to poison the device's stream.
func corrupt(def *rules.Definition, st *state.RuleState) bool {
	if st.ConsecutiveCount < 0 || st.LastSeqSeen < 0 {
		return true
	}
	if st.Fired && st.ConsecutiveCount < def.Threshold {
		return true
	}
	return false
}
