package model

import "time"

// Direction tells whether a settlement realizes a trade or undoes it.
type Direction string

const (
	DirectionForward Direction = "forward"
	DirectionReverse Direction = "reverse"
)

// SettlementStatus is the state of a settlement saga.
//
//	running -> completed
//	running -> aborted      (first write failed, nothing applied)
//	running -> failed       (some writes applied, see PartialSettlementError)
//	failed  -> running      (resume)
//	failed  -> compensated  (applied steps undone)
type SettlementStatus string

const (
	SettlementRunning     SettlementStatus = "running"
	SettlementCompleted   SettlementStatus = "completed"
	SettlementFailed      SettlementStatus = "failed"
	SettlementAborted     SettlementStatus = "aborted"
	SettlementCompensated SettlementStatus = "compensated"
)

// StepKind identifies which record a settlement step writes.
type StepKind string

const (
	StepPlayer         StepKind = "player" // player owner transfer
	StepBlock          StepKind = "block"  // block owner + mirrored goalkeepers
	StepCredit         StepKind = "credit" // credit delta on one participant
	StepProposalStatus StepKind = "status" // proposal marked accepted
	StepDelete         StepKind = "delete" // proposal record removed after revert
)

// StepStatus is the state of one settlement step.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	// StepInFlight is written before the step's storage call. A step left
	// in flight may or may not have landed.
	StepInFlight    StepStatus = "in_flight"
	StepDone        StepStatus = "done"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// SettlementStep is one storage write of a settlement, recorded with
// enough detail to replay or undo it by hand.
type SettlementStep struct {
	Seq      int        `json:"seq"`
	Kind     StepKind   `json:"kind"`
	TargetID string     `json:"target_id"`
	From     string     `json:"from,omitempty"`
	To       string     `json:"to,omitempty"`
	Amount   int64      `json:"amount,omitempty"`
	Status   StepStatus `json:"status"`
	Error    string     `json:"error,omitempty"`
}

// Settlement is the durable intent record of one forward or reverse
// settlement. It is written before the first asset moves.
type Settlement struct {
	ID         string           `json:"id" db:"id"`
	ProposalID string           `json:"proposal_id" db:"proposal_id"`
	Direction  Direction        `json:"direction" db:"direction"`
	Status     SettlementStatus `json:"status" db:"status"`
	Steps      []SettlementStep `json:"steps" db:"steps"`
	Error      string           `json:"error,omitempty" db:"error"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy of s.
func (s Settlement) Clone() Settlement {
	out := s
	out.Steps = make([]SettlementStep, len(s.Steps))
	copy(out.Steps, s.Steps)
	return out
}

// Applied returns the number of steps that have been written.
func (s Settlement) Applied() int {
	n := 0
	for _, st := range s.Steps {
		if st.Status == StepDone {
			n++
		}
	}
	return n
}
