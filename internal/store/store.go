// Package store defines the persistence interfaces for the trade engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), in-memory (for testing and development) and a GORM/SQLite
// settlement journal.
//
// Every write is independently atomic; there is no transaction spanning
// several calls. Ownership and credit writes are conditional so a
// settlement racing another one fails closed instead of overwriting it.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fantalega/trade-engine/internal/model"
)

var (
	ErrNotFound            = errors.New("store: not found")
	ErrMissingField        = errors.New("store: required field missing")
	ErrAlreadyExists       = errors.New("store: already exists")
	ErrStatusConflict      = errors.New("store: proposal is not in the expected status")
	ErrOwnershipConflict   = errors.New("store: asset owned by someone else")
	ErrInsufficientCredits = errors.New("store: credit balance would become negative")
	ErrGoalkeeperTransfer  = errors.New("store: goalkeepers move only with their block")
)

// Catalog is the read side of participants, players and goalkeeper blocks.
type Catalog interface {
	GetParticipant(ctx context.Context, id string) (*model.Participant, error)
	ListParticipants(ctx context.Context) ([]model.Participant, error)

	GetPlayer(ctx context.Context, id string) (*model.Player, error)
	ListPlayersByOwner(ctx context.Context, ownerID string) ([]model.Player, error)
	ListGoalkeepersByTeam(ctx context.Context, teamID string) ([]model.Player, error)

	GetBlock(ctx context.Context, teamID string) (*model.GoalkeeperBlock, error)
	ListBlocksByOwner(ctx context.Context, ownerID string) ([]model.GoalkeeperBlock, error)
}

// CatalogWriter holds the only ownership and credit mutations. They are
// used exclusively by the settlement engine.
type CatalogWriter interface {
	// TransferPlayer moves a non-goalkeeper player from one owner to another.
	// It fails with ErrOwnershipConflict unless the player belongs to `from`,
	// including when it already belongs to `to`.
	TransferPlayer(ctx context.Context, playerID, from, to string) error

	// TransferBlock moves a goalkeeper block and, in the same write, every
	// goalkeeper of its team. It is the only path that touches either
	// owner field, so the two never disagree. Same ownership rule as
	// TransferPlayer.
	TransferBlock(ctx context.Context, teamID, from, to string) error

	// ApplyCreditDelta adds delta to a participant's balance. A key that was
	// already applied is a no-op returning the current balance. The write
	// fails with ErrInsufficientCredits if the balance would go negative.
	ApplyCreditDelta(ctx context.Context, participantID string, delta int64, key string) (int64, error)
}

// ProposalFilter selects proposals. Zero-valued fields match everything;
// ParticipantID matches either side.
type ProposalFilter struct {
	Status        model.Status
	ProposerID    string
	ReceiverID    string
	ParticipantID string
}

// Match reports whether p satisfies the filter.
func (f ProposalFilter) Match(p model.Proposal) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.ProposerID != "" && p.ProposerID != f.ProposerID {
		return false
	}
	if f.ReceiverID != "" && p.ReceiverID != f.ReceiverID {
		return false
	}
	if f.ParticipantID != "" && !p.Involves(f.ParticipantID) {
		return false
	}
	return true
}

// Proposals is durable CRUD for trade proposals.
type Proposals interface {
	CreateProposal(ctx context.Context, p *model.Proposal) error
	GetProposal(ctx context.Context, id string) (*model.Proposal, error)

	// ListProposals returns matching proposals, newest first.
	ListProposals(ctx context.Context, f ProposalFilter) ([]model.Proposal, error)

	// UpdateProposalStatus moves a proposal from one status to another and
	// stamps completedAt. ErrNotFound if the record is gone,
	// ErrStatusConflict if it is not in `from`.
	UpdateProposalStatus(ctx context.Context, id string, from, to model.Status, completedAt time.Time) error

	DeleteProposal(ctx context.Context, id string) error
}

// Journal persists settlement sagas.
type Journal interface {
	CreateSettlement(ctx context.Context, s *model.Settlement) error
	GetSettlement(ctx context.Context, id string) (*model.Settlement, error)
	UpdateSettlementStep(ctx context.Context, id string, seq int, status model.StepStatus, errMsg string) error
	UpdateSettlementStatus(ctx context.Context, id string, status model.SettlementStatus, errMsg string) error

	// ListSettlements returns sagas in the given statuses last updated
	// before `before`, oldest first. A zero `before` matches everything.
	ListSettlements(ctx context.Context, statuses []model.SettlementStatus, before time.Time, limit int) ([]model.Settlement, error)
}

// Seeder loads catalog records. Catalog ingestion belongs to an external
// system; this is used by development seeding and tests.
type Seeder interface {
	UpsertParticipant(ctx context.Context, p *model.Participant) error
	UpsertPlayer(ctx context.Context, p *model.Player) error
	UpsertBlock(ctx context.Context, b *model.GoalkeeperBlock) error
}

// Store is everything the trade engine persists.
type Store interface {
	Catalog
	CatalogWriter
	Proposals
	Journal
	Seeder
}

// ValidateProposal checks the fields every stored proposal must carry.
func ValidateProposal(p *model.Proposal) error {
	switch {
	case p == nil:
		return ErrMissingField
	case p.ID == "":
		return fmt.Errorf("%w: id", ErrMissingField)
	case p.ProposerID == "":
		return fmt.Errorf("%w: proposer_participant_id", ErrMissingField)
	case p.ReceiverID == "":
		return fmt.Errorf("%w: receiver_participant_id", ErrMissingField)
	case !p.Status.Valid():
		return fmt.Errorf("%w: status", ErrMissingField)
	case p.CreatedAt.IsZero():
		return fmt.Errorf("%w: created_at", ErrMissingField)
	}
	return nil
}
