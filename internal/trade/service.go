// Package trade provides the business logic and HTTP handlers for the
// trade lifecycle: proposing, accepting, rejecting, cancelling and
// administratively reverting trades between two participants.
//
// Credits are whole integers. Valuations use shopspring/decimal, never
// float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fantalega/trade-engine/internal/auth"
	"github.com/fantalega/trade-engine/internal/metrics"
	"github.com/fantalega/trade-engine/internal/model"
	"github.com/fantalega/trade-engine/internal/settlement"
	"github.com/fantalega/trade-engine/internal/store"
	"github.com/fantalega/trade-engine/internal/validator"
)

var (
	// ErrNotFound means the proposal no longer exists, usually because the
	// other side already handled it.
	ErrNotFound          = errors.New("trade: not found, it may already have been handled")
	ErrInvalidTransition = errors.New("trade: invalid status transition")
	ErrForbidden         = errors.New("trade: not allowed for this participant")
)

// Service runs the trade state machine. Transitions are serialized with a
// mutex (single-instance). Across instances the conditional writes in the
// store keep settlements from overwriting each other.
type Service struct {
	store  store.Store
	engine *settlement.Engine
	mu     sync.Mutex
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
	now    func() time.Time
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, engine *settlement.Engine, hub *WSHub) *Service {
	return &Service{
		store:  st,
		engine: engine,
		wsHub:  hub,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Result is returned by transitions that run a settlement.
type Result struct {
	Proposal   *model.Proposal   `json:"proposal,omitempty"`
	Settlement *model.Settlement `json:"settlement,omitempty"`
}

// ProposeTrade validates a candidate trade and stores it as pending. No
// asset is reserved; the same players may appear in other pending trades.
func (s *Service) ProposeTrade(ctx context.Context, caller auth.Identity, c model.Candidate) (*model.Proposal, error) {
	if !caller.Admin && caller.ParticipantID != c.ProposerID {
		return nil, fmt.Errorf("%w: only %s can propose on their own behalf", ErrForbidden, c.ProposerID)
	}

	snap, err := loadSnapshot(ctx, s.store, c)
	if err != nil {
		return nil, err
	}
	if err := validator.Validate(c, snap); err != nil {
		s.rejected(err, "propose")
		return nil, err
	}

	p := &model.Proposal{
		ID:        uuid.New().String(),
		Candidate: c.Clone(),
		Status:    model.StatusPending,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateProposal(ctx, p); err != nil {
		return nil, fmt.Errorf("trade: store proposal: %w", err)
	}

	metrics.ProposalsTotal.WithLabelValues("proposed").Inc()
	slog.Info("trade proposed",
		"proposal_id", p.ID,
		"proposer", p.ProposerID,
		"receiver", p.ReceiverID,
		"players", len(p.ProposerPlayerIDs)+len(p.ReceiverPlayerIDs),
		"blocks", len(p.ProposerBlockIDs)+len(p.ReceiverBlockIDs),
		"credits", p.Credits,
	)
	s.broadcast("trade_proposed", p, "")
	return p, nil
}

// AcceptTrade re-validates a pending trade against live balances and
// owners and settles it. Only the receiver may accept.
func (s *Service) AcceptTrade(ctx context.Context, caller auth.Identity, id string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.pending(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller.ParticipantID != p.ReceiverID {
		return nil, fmt.Errorf("%w: only the receiver can accept", ErrForbidden)
	}

	snap, err := loadSnapshot(ctx, s.store, p.Candidate)
	if err != nil {
		return nil, err
	}
	if err := validator.Validate(p.Candidate, snap); err != nil {
		s.rejected(err, "accept")
		return nil, err
	}

	st, err := s.engine.Settle(ctx, p)
	if err != nil {
		return nil, s.settleError(err, "accept")
	}

	accepted, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("trade: reload %s: %w", id, err)
	}

	metrics.ProposalsTotal.WithLabelValues("accepted").Inc()
	slog.Info("trade accepted",
		"proposal_id", id,
		"settlement_id", st.ID,
		"proposer", p.ProposerID,
		"receiver", p.ReceiverID,
		"credits", p.Credits,
	)
	s.broadcast("trade_accepted", accepted, st.ID)
	return &Result{Proposal: accepted, Settlement: st}, nil
}

// RejectTrade closes a pending trade without moving anything. Only the
// receiver may reject.
func (s *Service) RejectTrade(ctx context.Context, caller auth.Identity, id string) (*model.Proposal, error) {
	return s.close(ctx, caller, id, model.StatusRejected)
}

// CancelTrade withdraws a pending trade. Only the proposer may cancel.
func (s *Service) CancelTrade(ctx context.Context, caller auth.Identity, id string) (*model.Proposal, error) {
	return s.close(ctx, caller, id, model.StatusCancelled)
}

func (s *Service) close(ctx context.Context, caller auth.Identity, id string, to model.Status) (*model.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.pending(ctx, id)
	if err != nil {
		return nil, err
	}
	allowed := p.ReceiverID
	if to == model.StatusCancelled {
		allowed = p.ProposerID
	}
	if caller.ParticipantID != allowed {
		return nil, fmt.Errorf("%w: only %s can mark this trade %s", ErrForbidden, allowed, to)
	}

	now := s.now()
	if err := s.store.UpdateProposalStatus(ctx, id, model.StatusPending, to, now); err != nil {
		return nil, transitionError(id, err)
	}
	p.Status = to
	p.CompletedAt = &now

	metrics.ProposalsTotal.WithLabelValues(string(to)).Inc()
	slog.Info("trade closed", "proposal_id", id, "status", to, "by", caller.ParticipantID)
	s.broadcast("trade_"+string(to), p, "")
	return p, nil
}

// RevertSettledTrade undoes an accepted trade and deletes its record. It
// is an administrative action and needs neither participant's consent.
func (s *Service) RevertSettledTrade(ctx context.Context, caller auth.Identity, id string) (*Result, error) {
	if !caller.Admin {
		return nil, fmt.Errorf("%w: revert requires an administrator", ErrForbidden)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return nil, transitionError(id, err)
	}
	if p.Status != model.StatusAccepted {
		return nil, fmt.Errorf("%w: %s is %s, only accepted trades can be reverted", ErrInvalidTransition, id, p.Status)
	}

	// The inverse must be realizable on live data: each side still holds
	// what it received and the side paying back can afford it.
	inverse := p.Candidate.Inverse()
	snap, err := loadSnapshot(ctx, s.store, inverse)
	if err != nil {
		return nil, err
	}
	if err := validator.CheckOwnership(inverse, snap); err != nil {
		s.rejected(err, "revert")
		return nil, err
	}
	if err := validator.CheckCredits(inverse, snap.Proposer, snap.Receiver); err != nil {
		s.rejected(err, "revert")
		return nil, err
	}

	st, err := s.engine.Reverse(ctx, p)
	if err != nil {
		return nil, s.settleError(err, "revert")
	}

	metrics.ProposalsTotal.WithLabelValues("reverted").Inc()
	slog.Info("trade reverted",
		"proposal_id", id,
		"settlement_id", st.ID,
		"admin", caller.ParticipantID,
	)
	s.broadcast("trade_reverted", p, st.ID)
	return &Result{Settlement: st}, nil
}

// GetTrade returns one proposal. Participants see only their own trades.
func (s *Service) GetTrade(ctx context.Context, caller auth.Identity, id string) (*model.Proposal, error) {
	p, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return nil, transitionError(id, err)
	}
	if !caller.Admin && !p.Involves(caller.ParticipantID) {
		return nil, fmt.Errorf("%w: %s is not a party to %s", ErrForbidden, caller.ParticipantID, id)
	}
	return p, nil
}

// ListPendingReceived returns pending trades addressed to participantID.
func (s *Service) ListPendingReceived(ctx context.Context, participantID string) ([]model.Proposal, error) {
	return s.list(ctx, store.ProposalFilter{Status: model.StatusPending, ReceiverID: participantID})
}

// ListPendingSent returns pending trades proposed by participantID.
func (s *Service) ListPendingSent(ctx context.Context, participantID string) ([]model.Proposal, error) {
	return s.list(ctx, store.ProposalFilter{Status: model.StatusPending, ProposerID: participantID})
}

// ListSettledHistory returns accepted trades involving participantID, or
// every accepted trade in the league when participantID is empty.
func (s *Service) ListSettledHistory(ctx context.Context, participantID string) ([]model.Proposal, error) {
	return s.list(ctx, store.ProposalFilter{Status: model.StatusAccepted, ParticipantID: participantID})
}

func (s *Service) list(ctx context.Context, f store.ProposalFilter) ([]model.Proposal, error) {
	out, err := s.store.ListProposals(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("trade: list proposals: %w", err)
	}
	if out == nil {
		out = []model.Proposal{}
	}
	return out, nil
}

// Squad returns what participantID currently owns and what it is worth.
func (s *Service) Squad(ctx context.Context, participantID string) (*model.Squad, error) {
	p, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, notFound(err)
	}
	players, err := s.store.ListPlayersByOwner(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("trade: list players: %w", err)
	}
	blocks, err := s.store.ListBlocksByOwner(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("trade: list blocks: %w", err)
	}

	sq := &model.Squad{
		Participant: *p,
		Players:     players,
		Blocks:      blocks,
		RoleCounts:  make(map[model.Role]int),
		TotalSpent:  decimal.Zero,
		BlockValue:  decimal.Zero,
	}
	if sq.Players == nil {
		sq.Players = []model.Player{}
	}
	if sq.Blocks == nil {
		sq.Blocks = []model.GoalkeeperBlock{}
	}
	for _, pl := range players {
		sq.RoleCounts[pl.Role]++
		// Goalkeepers are paid for through their block.
		if pl.Role != model.RoleGoalkeeper {
			sq.TotalSpent = sq.TotalSpent.Add(pl.PurchasePrice)
		}
	}
	for _, b := range blocks {
		sq.TotalSpent = sq.TotalSpent.Add(b.PurchasePrice)
		sq.BlockValue = sq.BlockValue.Add(b.Valuation)
	}
	return sq, nil
}

// --- Settlement administration ---

// Settlements lists settlements stuck in running or failed for longer
// than olderThan.
func (s *Service) Settlements(ctx context.Context, caller auth.Identity, olderThan time.Duration, limit int) ([]model.Settlement, error) {
	if !caller.Admin {
		return nil, fmt.Errorf("%w: settlement journal requires an administrator", ErrForbidden)
	}
	out, err := s.engine.Stalled(ctx, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("trade: list settlements: %w", err)
	}
	if out == nil {
		out = []model.Settlement{}
	}
	return out, nil
}

// GetSettlement returns one settlement journal record.
func (s *Service) GetSettlement(ctx context.Context, caller auth.Identity, id string) (*model.Settlement, error) {
	if !caller.Admin {
		return nil, fmt.Errorf("%w: settlement journal requires an administrator", ErrForbidden)
	}
	st, err := s.engine.Get(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	return st, nil
}

// ResumeSettlement re-runs the remaining steps of an interrupted settlement.
func (s *Service) ResumeSettlement(ctx context.Context, caller auth.Identity, id string) (*model.Settlement, error) {
	return s.recoverSettlement(ctx, caller, id, "resume", s.engine.Resume)
}

// CompensateSettlement undoes the applied steps of an interrupted settlement.
func (s *Service) CompensateSettlement(ctx context.Context, caller auth.Identity, id string) (*model.Settlement, error) {
	return s.recoverSettlement(ctx, caller, id, "compensate", s.engine.Compensate)
}

func (s *Service) recoverSettlement(ctx context.Context, caller auth.Identity, id, action string,
	fn func(context.Context, string) (*model.Settlement, error)) (*model.Settlement, error) {
	if !caller.Admin {
		return nil, fmt.Errorf("%w: %s requires an administrator", ErrForbidden, action)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := fn(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound(err)
		}
		if errors.Is(err, settlement.ErrNotResumable) || errors.Is(err, settlement.ErrNotCompensable) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
		}
		return st, err
	}
	slog.Info("settlement recovered", "settlement_id", id, "action", action, "status", st.Status, "admin", caller.ParticipantID)
	return st, nil
}

// --- helpers ---

// pending loads a proposal that must still be pending.
func (s *Service) pending(ctx context.Context, id string) (*model.Proposal, error) {
	p, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return nil, transitionError(id, err)
	}
	if p.Status != model.StatusPending {
		return nil, fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, id, p.Status)
	}
	return p, nil
}

// settleError translates a settlement failure. When nothing was applied a
// lost ownership or balance race is reported as a validation failure.
func (s *Service) settleError(err error, stage string) error {
	var partial *settlement.PartialSettlementError
	if errors.As(err, &partial) {
		return err
	}

	var verr *validator.Error
	switch {
	case errors.Is(err, store.ErrOwnershipConflict):
		verr = validator.Stale(err)
	case errors.Is(err, store.ErrInsufficientCredits):
		verr = &validator.Error{Rule: validator.RuleInsufficientCredits, Detail: err.Error()}
	case errors.Is(err, store.ErrStatusConflict):
		return fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	case errors.Is(err, store.ErrNotFound):
		return notFound(err)
	default:
		return err
	}
	s.rejected(verr, stage)
	return verr
}

func (s *Service) rejected(err error, stage string) {
	var verr *validator.Error
	if errors.As(err, &verr) {
		metrics.ValidationRejections.WithLabelValues(string(verr.Rule), stage).Inc()
		slog.Info("trade rejected by validation", "stage", stage, "rule", verr.Rule, "detail", verr.Detail)
	}
}

func (s *Service) broadcast(event string, p *model.Proposal, settlementID string) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(TradeEvent{
		Type:         event,
		ProposalID:   p.ID,
		ProposerID:   p.ProposerID,
		ReceiverID:   p.ReceiverID,
		Status:       p.Status,
		SettlementID: settlementID,
	})
}

func transitionError(id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound(err)
	}
	if errors.Is(err, store.ErrStatusConflict) {
		return fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	}
	return fmt.Errorf("trade: %s: %w", id, err)
}

func notFound(err error) error {
	return fmt.Errorf("%w: %w", ErrNotFound, err)
}
