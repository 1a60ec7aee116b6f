package rounds

import (
	"encoding/json"
	"strconv"
)

// MergeSection combines an incoming section payload with the stored one.
//
// Full mode replaces the previous value wholesale, including replacement with
// nil. Diff mode merges the incoming keys into a shallow copy of the previous
// map: nested maps recurse, every other value (scalars and arrays included)
// is substituted, never concatenated. A nil incoming payload under diff mode
// leaves the previous value untouched.
func MergeSection(previous, incoming map[string]any, mode MergeMode) map[string]any {
	if mode == MergeFull {
		return incoming
	}
	if incoming == nil {
		return previous
	}
	if previous == nil {
		previous = map[string]any{}
	}
	merged := make(map[string]any, len(previous)+len(incoming))
	for k, v := range previous {
		merged[k] = v
	}
	for k, v := range incoming {
		if sub, ok := v.(map[string]any); ok {
			if prevSub, ok := merged[k].(map[string]any); ok {
				merged[k] = MergeSection(prevSub, sub, MergeDiff)
				continue
			}
		}
		merged[k] = v
	}
	return merged
}

// isStaleLive reports whether an incoming live update must be dropped: its
// slot stamp is older than the frame's, or the slot did not advance while the
// monotonic deployed total went backwards. Updates without a slot stamp are
// judged on the monotonic value alone.
func isStaleLive(frame *RoundFrame, meta *UpdateMeta, incoming map[string]any) bool {
	deployed, hasDeployed := numberField(incoming, "totalDeployed")
	prevDeployed, hasPrev := int64(0), false
	if frame.Live != nil {
		prevDeployed, hasPrev = numberField(frame.Live, "totalDeployed")
	}
	monotonicDecrease := hasDeployed && hasPrev && deployed < prevDeployed

	if meta != nil && meta.Slot != nil {
		if *meta.Slot < frame.LiveSlot {
			return true
		}
		if *meta.Slot == frame.LiveSlot && monotonicDecrease {
			return true
		}
		return false
	}
	return monotonicDecrease
}

// numberField reads a numeric key from a decoded JSON map, tolerating the
// float64, integer, and string-number shapes upstream has been seen to emit.
func numberField(m map[string]any, key string) (int64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

// compareRoundIDs orders two round identifiers, numerically when both parse
// as integers, lexicographically otherwise.
func compareRoundIDs(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
