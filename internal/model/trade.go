package model

import "time"

// Status is the lifecycle state of a trade proposal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s
// (apart from the administrative revert of an accepted trade).
func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

// Candidate is a trade as assembled by the proposer, before it is stored.
// Credits is signed: positive means the proposer pays the receiver,
// negative means the receiver pays the proposer.
type Candidate struct {
	ProposerID        string   `json:"proposer_participant_id"`
	ReceiverID        string   `json:"receiver_participant_id"`
	ProposerPlayerIDs []string `json:"proposer_player_ids"`
	ReceiverPlayerIDs []string `json:"receiver_player_ids"`
	ProposerBlockIDs  []string `json:"proposer_block_ids"`
	ReceiverBlockIDs  []string `json:"receiver_block_ids"`
	Credits           int64    `json:"credits_offered"`
}

// Inverse returns the trade that undoes c once it has settled: the same
// two participants, each handing back what it received, credits flowing
// the other way.
func (c Candidate) Inverse() Candidate {
	return Candidate{
		ProposerID:        c.ProposerID,
		ReceiverID:        c.ReceiverID,
		ProposerPlayerIDs: cloneIDs(c.ReceiverPlayerIDs),
		ReceiverPlayerIDs: cloneIDs(c.ProposerPlayerIDs),
		ProposerBlockIDs:  cloneIDs(c.ReceiverBlockIDs),
		ReceiverBlockIDs:  cloneIDs(c.ProposerBlockIDs),
		Credits:           -c.Credits,
	}
}

// Clone returns a deep copy of c.
func (c Candidate) Clone() Candidate {
	out := c
	out.ProposerPlayerIDs = cloneIDs(c.ProposerPlayerIDs)
	out.ReceiverPlayerIDs = cloneIDs(c.ReceiverPlayerIDs)
	out.ProposerBlockIDs = cloneIDs(c.ProposerBlockIDs)
	out.ReceiverBlockIDs = cloneIDs(c.ReceiverBlockIDs)
	return out
}

// Payer returns the participant paying credits and the (positive) amount.
// Amount is zero when no credits move.
func (c Candidate) Payer() (string, int64) {
	switch {
	case c.Credits > 0:
		return c.ProposerID, c.Credits
	case c.Credits < 0:
		return c.ReceiverID, -c.Credits
	}
	return "", 0
}

// AssetCount is the number of players and blocks listed on both sides.
func (c Candidate) AssetCount() int {
	return len(c.ProposerPlayerIDs) + len(c.ReceiverPlayerIDs) +
		len(c.ProposerBlockIDs) + len(c.ReceiverBlockIDs)
}

// Proposal is a persisted trade proposal.
type Proposal struct {
	ID string `json:"id" db:"id"`
	Candidate
	Status      Status     `json:"status" db:"status"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Clone returns a deep copy of p.
func (p Proposal) Clone() Proposal {
	out := p
	out.Candidate = p.Candidate.Clone()
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Involves reports whether participantID is either side of the trade.
func (p Proposal) Involves(participantID string) bool {
	return p.ProposerID == participantID || p.ReceiverID == participantID
}

func cloneIDs(ids []string) []string {
	if ids == nil {
		return nil
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}
