package rounds

import "time"

// EventType names a store event kind. The multiplexer reuses these as the
// downstream stream's named-event identifiers.
type EventType string

const (
	EventTypeSnapshot            EventType = "snapshot"
	EventTypeFrame               EventType = "frame"
	EventTypePhaseChange         EventType = "phaseChange"
	EventTypeMiningStatusChanged EventType = "miningStatusChanged"
	EventTypeWinner              EventType = "winner"
	EventTypeMotherlode          EventType = "motherlode"
	EventTypeRoundStarted        EventType = "roundStarted"
	EventTypeRoundFinalized      EventType = "roundFinalized"
	EventTypeWinnerTimeout       EventType = "winnerTimeout"
)

// Event is implemented by every store event payload.
type Event interface {
	Type() EventType
}

// EventHandler receives store events in emission order, after the mutation
// that produced them has committed. Handlers must not call back into the
// store's mutating operations.
type EventHandler func(Event)

// SnapshotApplied fires once per ApplySnapshot, after the frame table has
// been rebuilt.
type SnapshotApplied struct {
	CurrentRoundID string
	FrameCount     int
}

func (SnapshotApplied) Type() EventType { return EventTypeSnapshot }

// FrameUpdated fires after a section update was merged into a frame.
type FrameUpdated struct {
	Frame   *RoundFrame
	Section Section
}

func (FrameUpdated) Type() EventType { return EventTypeFrame }

// PhaseChanged fires when upstream phase metadata differs from the stored
// value in phase, since, or until.
type PhaseChanged struct {
	Meta PhaseMetadata
}

func (PhaseChanged) Type() EventType { return EventTypePhaseChange }

// MiningStatusChanged fires when a frame's derived mining status transitions.
type MiningStatusChanged struct {
	RoundID string
	From    MiningStatus
	To      MiningStatus
}

func (MiningStatusChanged) Type() EventType { return EventTypeMiningStatusChanged }

// WinnerDetected fires exactly once per (roundId, source). Mismatch is set on
// a final winner that differs from the round's recorded optimistic winner, in
// which case OptimisticTile carries that earlier tile.
type WinnerDetected struct {
	RoundID        string
	Record         WinnerRecord
	Mismatch       bool
	OptimisticTile *int
}

func (WinnerDetected) Type() EventType { return EventTypeWinner }

// MotherlodeHit fires alongside a final winner whose jackpot flag is set.
type MotherlodeHit struct {
	RoundID string
	Record  WinnerRecord
}

func (MotherlodeHit) Type() EventType { return EventTypeMotherlode }

// RoundStarted fires when the current-round pointer advances to a new frame.
type RoundStarted struct {
	RoundID         string
	PreviousRoundID string
	StartedAt       time.Time
}

func (RoundStarted) Type() EventType { return EventTypeRoundStarted }

// RoundFinalized fires once a final winner is recorded (Confirmed true) or a
// winner wait gave up (Confirmed false, Winner carrying the last optimistic
// tile if one was seen).
type RoundFinalized struct {
	RoundID   string
	Winner    *int
	Confirmed bool
	Mismatch  bool
}

func (RoundFinalized) Type() EventType { return EventTypeRoundFinalized }

// TimeoutReason distinguishes why a winner wait completed empty.
type TimeoutReason string

const (
	ReasonTimeout      TimeoutReason = "timeout"
	ReasonRoundChanged TimeoutReason = "round_changed"
)

// WinnerTimeout fires when a winner wait expires or the current round moves
// away before a winner arrived.
type WinnerTimeout struct {
	RoundID string
	Reason  TimeoutReason
}

func (WinnerTimeout) Type() EventType { return EventTypeWinnerTimeout }
