package rounds

import (
	"encoding/json"
	"time"
)

// Section identifies an independently-versioned sub-document of a frame.
type Section string

const (
	SectionLive       Section = "live"
	SectionBids       Section = "bids"
	SectionOptimistic Section = "optimistic"
	SectionFinal      Section = "final"
	SectionGlobals    Section = "globals"
)

// MergeMode selects how an incoming section payload combines with the stored one.
type MergeMode string

const (
	MergeFull MergeMode = "full"
	MergeDiff MergeMode = "diff"
)

// Phase is the global game-clock phase reported by upstream. The presentation
// layer reuses the same values for its own display machine; the two are
// deliberately independent.
type Phase string

const (
	PhaseBetting  Phase = "BETTING"
	PhaseSpinning Phase = "SPINNING"
	PhaseResult   Phase = "RESULT"
	PhaseIdle     Phase = "IDLE"
)

// MiningStatus is derived from the live section's remaining-slot count.
type MiningStatus string

const (
	MiningActive  MiningStatus = "ACTIVE"
	MiningExpired MiningStatus = "EXPIRED"
)

// WinnerSource distinguishes the preliminary winner signal from the settled one.
type WinnerSource string

const (
	SourceOptimistic WinnerSource = "optimistic"
	SourceFinal      WinnerSource = "final"
)

// PhaseMetadata carries the upstream phase plus its validity window.
type PhaseMetadata struct {
	Phase Phase      `json:"phase"`
	Since *time.Time `json:"since,omitempty"`
	Until *time.Time `json:"until,omitempty"`
}

// Equal reports whether two phase metadata values describe the same window.
func (p PhaseMetadata) Equal(o PhaseMetadata) bool {
	return p.Phase == o.Phase && equalTimePtr(p.Since, o.Since) && equalTimePtr(p.Until, o.Until)
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// WinnerPayload is the decoded shape of a frame's optimistic or final section.
type WinnerPayload struct {
	ResultAvailable  bool    `json:"resultAvailable"`
	WinningIndex     int     `json:"winningSquareIndex"`
	Motherlode       bool    `json:"motherlode"`
	MotherlodeAmount float64 `json:"motherlodeAmount,omitempty"`
	TotalPot         float64 `json:"totalPot,omitempty"`
	WinnerCount      int     `json:"winnerCount,omitempty"`
}

// WinnerRecord is emitted at most once per (roundId, source) for the lifetime
// of the process. Immutable once recorded.
type WinnerRecord struct {
	RoundID          string       `json:"roundId"`
	Tile             int          `json:"tile"`
	Source           WinnerSource `json:"source"`
	ConfirmedAt      time.Time    `json:"confirmedAt"`
	ArrivalMs        int64        `json:"arrivalMs"`
	WasLate          bool         `json:"wasLate"`
	Motherlode       bool         `json:"motherlode"`
	MotherlodeAmount float64      `json:"motherlodeAmount,omitempty"`
	TotalPot         float64      `json:"totalPot,omitempty"`
	WinnerCount      int          `json:"winnerCount,omitempty"`
}

// RoundFrame is the reconciled local representation of one round's state.
// Frames are exclusively owned by the Store; accessors hand out copies.
type RoundFrame struct {
	RoundID         string            `json:"roundId"`
	Live            map[string]any    `json:"live,omitempty"`
	LiveSlot        int64             `json:"liveSlot,omitempty"`
	Bids            map[string]any    `json:"bids,omitempty"`
	Optimistic      map[string]any    `json:"optimistic,omitempty"`
	Final           map[string]any    `json:"final,omitempty"`
	MiningStatus    MiningStatus      `json:"miningStatus,omitempty"`
	SectionVersions map[Section]int64 `json:"sectionVersions"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

func newFrame(roundID string) *RoundFrame {
	return &RoundFrame{
		RoundID:         roundID,
		SectionVersions: make(map[Section]int64),
	}
}

// clone returns a shallow copy safe to hand outside the store. Section maps
// are shared but treated as immutable once merged (merges always build a
// fresh map).
func (f *RoundFrame) clone() *RoundFrame {
	cp := *f
	cp.SectionVersions = make(map[Section]int64, len(f.SectionVersions))
	for k, v := range f.SectionVersions {
		cp.SectionVersions[k] = v
	}
	return &cp
}

func (f *RoundFrame) section(s Section) map[string]any {
	switch s {
	case SectionLive:
		return f.Live
	case SectionBids:
		return f.Bids
	case SectionOptimistic:
		return f.Optimistic
	case SectionFinal:
		return f.Final
	}
	return nil
}

func (f *RoundFrame) setSection(s Section, data map[string]any) {
	switch s {
	case SectionLive:
		f.Live = data
	case SectionBids:
		f.Bids = data
	case SectionOptimistic:
		f.Optimistic = data
	case SectionFinal:
		f.Final = data
	}
}

// winner decodes the given winner section, returning nil when the section is
// absent or does not parse.
func (f *RoundFrame) winner(source WinnerSource) *WinnerPayload {
	var raw map[string]any
	if source == SourceFinal {
		raw = f.Final
	} else {
		raw = f.Optimistic
	}
	if raw == nil {
		return nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var w WinnerPayload
	if err := json.Unmarshal(buf, &w); err != nil {
		return nil
	}
	return &w
}

// remainingSlots extracts the live section's remaining-slot count, if present.
func (f *RoundFrame) remainingSlots() (int64, bool) {
	if f.Live == nil {
		return 0, false
	}
	return numberField(f.Live, "remainingSlots")
}

// UpdateMeta carries transport-level metadata attached to a section update.
type UpdateMeta struct {
	Slot *int64 `json:"slot,omitempty"`
}

// Pointers names the round pointers an update or snapshot may move.
type Pointers struct {
	CurrentRoundID         string `json:"currentRoundId,omitempty"`
	LatestFinalizedRoundID string `json:"latestFinalizedRoundId,omitempty"`
}

// FramePayload is one frame entry of an authoritative snapshot.
type FramePayload struct {
	RoundID    string         `json:"roundId"`
	Live       map[string]any `json:"live,omitempty"`
	Bids       map[string]any `json:"bids,omitempty"`
	Optimistic map[string]any `json:"optimistic,omitempty"`
	Final      map[string]any `json:"final,omitempty"`
	Meta       *UpdateMeta    `json:"meta,omitempty"`
}

// SnapshotPayload is the full-state document served by GET /v3/state.
type SnapshotPayload struct {
	Frames                 []FramePayload `json:"frames"`
	Globals                map[string]any `json:"globals,omitempty"`
	CurrentRoundID         string         `json:"currentRoundId,omitempty"`
	LatestFinalizedRoundID string         `json:"latestFinalizedRoundId,omitempty"`
	Phase                  *PhaseMetadata `json:"phase,omitempty"`
	Optimized              bool           `json:"optimized,omitempty"`
}

// SectionUpdate is one partial update routed into the store, normalized from
// either the push stream's round_frame events or a poll delta.
type SectionUpdate struct {
	RoundID  string         `json:"roundId,omitempty"`
	Section  Section        `json:"section"`
	Mode     MergeMode      `json:"mode"`
	Version  int64          `json:"version,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Globals  map[string]any `json:"globals,omitempty"`
	Pointers *Pointers      `json:"pointers,omitempty"`
	Meta     *UpdateMeta    `json:"meta,omitempty"`
	Phase    *PhaseMetadata `json:"phase,omitempty"`
}
