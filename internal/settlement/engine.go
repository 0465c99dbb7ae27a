// Package settlement moves ownership and credits when a trade is accepted,
// and moves them back when an accepted trade is reverted.
//
// A settlement is a chain of single-record writes with no transaction
// around it. Before the first write the engine persists a journal record
// listing every step; each step is marked done as it succeeds. Ownership
// steps are compare-and-swap transfers and credit steps carry an
// idempotency key, so a journal can be resumed without double-applying
// anything. A step is marked in flight before its write; only a resumed
// in-flight step may find its write already in place. A failure midway is never rolled back automatically: the
// caller gets a *PartialSettlementError and an operator chooses between
// Resume and Compensate.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fantalega/trade-engine/internal/model"
	"github.com/fantalega/trade-engine/internal/store"
)

var (
	ErrNotResumable       = errors.New("settlement: only running or failed settlements can be resumed")
	ErrNotCompensable     = errors.New("settlement: settlement cannot be compensated")
	ErrWrongProposalState = errors.New("settlement: proposal is not in the required status")
)

// PartialSettlementError reports a settlement that stopped after some of
// its writes were applied. The journal record named by SettlementID shows
// exactly which steps are done.
type PartialSettlementError struct {
	SettlementID string
	ProposalID   string
	Direction    model.Direction
	Step         model.SettlementStep
	Applied      int
	Err          error
}

func (e *PartialSettlementError) Error() string {
	return fmt.Sprintf("settlement %s (%s, proposal %s) stopped at step %d (%s %s) after %d applied writes: %v",
		e.SettlementID, e.Direction, e.ProposalID, e.Step.Seq, e.Step.Kind, e.Step.TargetID, e.Applied, e.Err)
}

func (e *PartialSettlementError) Unwrap() error { return e.Err }

// Store is the subset of persistence the engine writes to.
type Store interface {
	store.Catalog
	store.CatalogWriter
	store.Proposals
	store.Journal
}

// Observer is notified when a settlement finishes. Metrics hook in here.
type Observer interface {
	SettlementFinished(dir model.Direction, status model.SettlementStatus, elapsed time.Duration)
}

// Engine executes settlement sagas.
type Engine struct {
	store    Store
	log      *slog.Logger
	now      func() time.Time
	observer Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for completion timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithObserver registers a completion observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// NewEngine creates a settlement engine over st.
func NewEngine(st Store, opts ...Option) *Engine {
	e := &Engine{
		store: st,
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Settle realizes an accepted trade: players, then blocks with their
// goalkeepers, then credits, then the proposal is marked accepted.
func (e *Engine) Settle(ctx context.Context, p *model.Proposal) (*model.Settlement, error) {
	if p.Status != model.StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongProposalState, p.ID, p.Status)
	}
	return e.start(ctx, p.ID, model.DirectionForward, Plan(p.ID, p.Candidate, model.DirectionForward))
}

// Reverse undoes a settled trade by settling its inverse and then deleting
// the proposal record. It does not need either participant's consent.
func (e *Engine) Reverse(ctx context.Context, p *model.Proposal) (*model.Settlement, error) {
	if p.Status != model.StatusAccepted {
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongProposalState, p.ID, p.Status)
	}
	return e.start(ctx, p.ID, model.DirectionReverse, Plan(p.ID, p.Candidate.Inverse(), model.DirectionReverse))
}

// Resume re-runs the steps of a failed or interrupted settlement that are
// not done yet.
func (e *Engine) Resume(ctx context.Context, settlementID string) (*model.Settlement, error) {
	s, err := e.store.GetSettlement(ctx, settlementID)
	if err != nil {
		return nil, err
	}
	if s.Status != model.SettlementRunning && s.Status != model.SettlementFailed {
		return s, fmt.Errorf("%w: %s is %s", ErrNotResumable, s.ID, s.Status)
	}
	if err := e.store.UpdateSettlementStatus(ctx, s.ID, model.SettlementRunning, ""); err != nil {
		return s, fmt.Errorf("settlement %s: mark running: %w", s.ID, err)
	}
	s.Status = model.SettlementRunning
	e.log.Info("settlement resumed", "settlement_id", s.ID, "proposal_id", s.ProposalID, "applied", s.Applied())
	return e.run(ctx, s)
}

// Compensate undoes the applied steps of an unfinished settlement, newest
// first, leaving the proposal record as it was. It refuses once the final
// status or delete step has landed: that settlement can only be resumed.
func (e *Engine) Compensate(ctx context.Context, settlementID string) (*model.Settlement, error) {
	s, err := e.store.GetSettlement(ctx, settlementID)
	if err != nil {
		return nil, err
	}
	if s.Status == model.SettlementCompleted || s.Status == model.SettlementCompensated {
		return s, fmt.Errorf("%w: %s is %s", ErrNotCompensable, s.ID, s.Status)
	}
	if len(s.Steps) > 0 {
		final := s.Steps[len(s.Steps)-1]
		landed, err := e.finalLanded(ctx, final)
		if err != nil {
			return s, fmt.Errorf("settlement %s: inspect proposal %s: %w", s.ID, final.TargetID, err)
		}
		if landed {
			return s, fmt.Errorf("%w: proposal %s already updated by %s, resume it instead", ErrNotCompensable, final.TargetID, s.ID)
		}
	}

	for i := len(s.Steps) - 1; i >= 0; i-- {
		step := s.Steps[i]
		switch step.Status {
		case model.StepDone:
		case model.StepInFlight:
			landed, err := e.stepLanded(ctx, s.ID, step)
			if err != nil {
				return s, fmt.Errorf("settlement %s: inspect step %d: %w", s.ID, step.Seq, err)
			}
			if !landed {
				continue
			}
		default:
			continue
		}
		if err := e.undo(ctx, s.ID, step); err != nil {
			e.logStepFailure("settlement compensation step failed", s, step, err)
			_ = e.store.UpdateSettlementStatus(ctx, s.ID, model.SettlementFailed, err.Error())
			return s, &PartialSettlementError{
				SettlementID: s.ID,
				ProposalID:   s.ProposalID,
				Direction:    s.Direction,
				Step:         step,
				Applied:      countDone(s.Steps[:i+1]),
				Err:          err,
			}
		}
		if err := e.store.UpdateSettlementStep(ctx, s.ID, step.Seq, model.StepCompensated, ""); err != nil {
			return s, fmt.Errorf("settlement %s: record compensation of step %d: %w", s.ID, step.Seq, err)
		}
		s.Steps[i].Status = model.StepCompensated
	}

	if err := e.store.UpdateSettlementStatus(ctx, s.ID, model.SettlementCompensated, ""); err != nil {
		return s, fmt.Errorf("settlement %s: mark compensated: %w", s.ID, err)
	}
	s.Status = model.SettlementCompensated
	e.log.Info("settlement compensated", "settlement_id", s.ID, "proposal_id", s.ProposalID)
	return s, nil
}

// Stalled lists settlements left running or failed for longer than
// olderThan. These need an operator to resume or compensate them.
func (e *Engine) Stalled(ctx context.Context, olderThan time.Duration, limit int) ([]model.Settlement, error) {
	var before time.Time
	if olderThan > 0 {
		before = e.now().Add(-olderThan)
	}
	return e.store.ListSettlements(ctx,
		[]model.SettlementStatus{model.SettlementRunning, model.SettlementFailed},
		before, limit)
}

// Get returns a settlement journal record.
func (e *Engine) Get(ctx context.Context, id string) (*model.Settlement, error) {
	return e.store.GetSettlement(ctx, id)
}

func (e *Engine) start(ctx context.Context, proposalID string, dir model.Direction, steps []model.SettlementStep) (*model.Settlement, error) {
	now := e.now()
	s := &model.Settlement{
		ID:         uuid.New().String(),
		ProposalID: proposalID,
		Direction:  dir,
		Status:     model.SettlementRunning,
		Steps:      steps,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateSettlement(ctx, s); err != nil {
		return nil, fmt.Errorf("settlement: persist intent for proposal %s: %w", proposalID, err)
	}
	e.log.Info("settlement started",
		"settlement_id", s.ID,
		"proposal_id", proposalID,
		"direction", dir,
		"steps", len(steps),
	)
	return e.run(ctx, s)
}

// run applies pending steps strictly in order. No lock is held across the
// chain; each step is its own storage call.
func (e *Engine) run(ctx context.Context, s *model.Settlement) (*model.Settlement, error) {
	started := time.Now()

	for i := range s.Steps {
		step := s.Steps[i]
		if step.Status == model.StepDone {
			continue
		}

		// An interrupted earlier attempt may already have written this step.
		retry := step.Status == model.StepInFlight
		if !retry {
			if err := e.store.UpdateSettlementStep(ctx, s.ID, step.Seq, model.StepInFlight, ""); err != nil {
				return s, e.fail(ctx, s, i, fmt.Errorf("journal step %d: %w", step.Seq, err), started)
			}
			s.Steps[i].Status = model.StepInFlight
		}

		err := e.apply(ctx, s, step)
		if err != nil && retry {
			err = e.alreadyApplied(ctx, step, err)
		}
		if err != nil {
			return s, e.fail(ctx, s, i, err, started)
		}
		s.Steps[i].Status = model.StepDone
		s.Steps[i].Error = ""
		if err := e.store.UpdateSettlementStep(ctx, s.ID, step.Seq, model.StepDone, ""); err != nil {
			// The write landed; the journal still shows it in flight.
			return s, e.fail(ctx, s, i, fmt.Errorf("journal step %d: %w", step.Seq, err), started)
		}
	}

	if err := e.store.UpdateSettlementStatus(ctx, s.ID, model.SettlementCompleted, ""); err != nil {
		e.log.Error("settlement applied but not marked completed",
			"settlement_id", s.ID, "proposal_id", s.ProposalID, "err", err)
	}
	s.Status = model.SettlementCompleted
	e.observe(s, started)

	e.log.Info("settlement completed",
		"settlement_id", s.ID,
		"proposal_id", s.ProposalID,
		"direction", s.Direction,
		"steps", len(s.Steps),
	)
	return s, nil
}

func (e *Engine) fail(ctx context.Context, s *model.Settlement, i int, cause error, started time.Time) error {
	step := s.Steps[i]
	applied := s.Applied()
	e.logStepFailure("settlement step failed", s, step, cause)

	// A step whose write was attempted and not cleanly rejected stays in
	// flight: the write may have landed.
	uncertain := step.Status == model.StepInFlight && !rejected(cause)
	if s.Steps[i].Status != model.StepDone {
		stepStatus := model.StepFailed
		if uncertain {
			stepStatus = model.StepInFlight
		}
		s.Steps[i].Status = stepStatus
		s.Steps[i].Error = cause.Error()
		if err := e.store.UpdateSettlementStep(ctx, s.ID, step.Seq, stepStatus, cause.Error()); err != nil {
			e.log.Error("settlement journal update failed", "settlement_id", s.ID, "seq", step.Seq, "err", err)
		}
	}

	status := model.SettlementFailed
	if applied == 0 && !uncertain {
		status = model.SettlementAborted
	}
	if err := e.store.UpdateSettlementStatus(ctx, s.ID, status, cause.Error()); err != nil {
		e.log.Error("settlement journal update failed", "settlement_id", s.ID, "err", err)
	}
	s.Status = status
	s.Error = cause.Error()
	e.observe(s, started)

	if status == model.SettlementAborted {
		return cause
	}
	return &PartialSettlementError{
		SettlementID: s.ID,
		ProposalID:   s.ProposalID,
		Direction:    s.Direction,
		Step:         s.Steps[i],
		Applied:      applied,
		Err:          cause,
	}
}

func (e *Engine) apply(ctx context.Context, s *model.Settlement, step model.SettlementStep) error {
	switch step.Kind {
	case model.StepPlayer:
		return e.store.TransferPlayer(ctx, step.TargetID, step.From, step.To)
	case model.StepBlock:
		return e.store.TransferBlock(ctx, step.TargetID, step.From, step.To)
	case model.StepCredit:
		_, err := e.store.ApplyCreditDelta(ctx, step.TargetID, step.Amount, stepKey(s.ID, step.Seq))
		return err
	case model.StepProposalStatus:
		return e.store.UpdateProposalStatus(ctx, step.TargetID, model.Status(step.From), model.Status(step.To), e.now())
	case model.StepDelete:
		return e.store.DeleteProposal(ctx, step.TargetID)
	}
	return fmt.Errorf("settlement: unknown step kind %q", step.Kind)
}

// alreadyApplied turns the rejection of a retried in-flight step into
// success when the record already holds the step's target state.
func (e *Engine) alreadyApplied(ctx context.Context, step model.SettlementStep, cause error) error {
	switch step.Kind {
	case model.StepPlayer:
		if errors.Is(cause, store.ErrOwnershipConflict) {
			if p, err := e.store.GetPlayer(ctx, step.TargetID); err == nil && p.OwnerID == step.To {
				return nil
			}
		}
	case model.StepBlock:
		if errors.Is(cause, store.ErrOwnershipConflict) {
			if b, err := e.store.GetBlock(ctx, step.TargetID); err == nil && b.OwnerID == step.To {
				return nil
			}
		}
	case model.StepProposalStatus, model.StepDelete:
		if landed, err := e.finalLanded(ctx, step); err == nil && landed {
			return nil
		}
	}
	return cause
}

// finalLanded reports whether the proposal already shows the effect of a
// status or delete step.
func (e *Engine) finalLanded(ctx context.Context, step model.SettlementStep) (bool, error) {
	switch step.Kind {
	case model.StepProposalStatus:
		p, err := e.store.GetProposal(ctx, step.TargetID)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return p.Status == model.Status(step.To), nil
	case model.StepDelete:
		_, err := e.store.GetProposal(ctx, step.TargetID)
		if errors.Is(err, store.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// stepLanded reports whether an in-flight asset or credit step took effect.
// A credit step is settled by replaying it under its own key: the replay is
// a no-op if the delta landed and is rejected if it cannot apply now.
func (e *Engine) stepLanded(ctx context.Context, settlementID string, step model.SettlementStep) (bool, error) {
	switch step.Kind {
	case model.StepPlayer:
		p, err := e.store.GetPlayer(ctx, step.TargetID)
		if err != nil {
			return false, err
		}
		return p.OwnerID == step.To, nil
	case model.StepBlock:
		b, err := e.store.GetBlock(ctx, step.TargetID)
		if err != nil {
			return false, err
		}
		return b.OwnerID == step.To, nil
	case model.StepCredit:
		_, err := e.store.ApplyCreditDelta(ctx, step.TargetID, step.Amount, stepKey(settlementID, step.Seq))
		if errors.Is(err, store.ErrInsufficientCredits) {
			return false, nil
		}
		return err == nil, err
	}
	return false, nil
}

// rejected reports whether err is a store refusal, meaning the write
// certainly did not happen.
func rejected(err error) bool {
	for _, target := range []error{
		store.ErrOwnershipConflict,
		store.ErrGoalkeeperTransfer,
		store.ErrInsufficientCredits,
		store.ErrStatusConflict,
		store.ErrNotFound,
		store.ErrMissingField,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (e *Engine) undo(ctx context.Context, settlementID string, step model.SettlementStep) error {
	switch step.Kind {
	case model.StepPlayer:
		return e.store.TransferPlayer(ctx, step.TargetID, step.To, step.From)
	case model.StepBlock:
		return e.store.TransferBlock(ctx, step.TargetID, step.To, step.From)
	case model.StepCredit:
		_, err := e.store.ApplyCreditDelta(ctx, step.TargetID, -step.Amount, stepKey(settlementID, step.Seq)+"/undo")
		return err
	}
	return fmt.Errorf("settlement: step %d (%s) cannot be compensated", step.Seq, step.Kind)
}

func (e *Engine) logStepFailure(msg string, s *model.Settlement, step model.SettlementStep, err error) {
	e.log.Error(msg,
		"settlement_id", s.ID,
		"proposal_id", s.ProposalID,
		"direction", s.Direction,
		"seq", step.Seq,
		"kind", step.Kind,
		"target", step.TargetID,
		"from", step.From,
		"to", step.To,
		"amount", step.Amount,
		"applied", s.Applied(),
		"err", err,
	)
}

func (e *Engine) observe(s *model.Settlement, started time.Time) {
	if e.observer != nil {
		e.observer.SettlementFinished(s.Direction, s.Status, time.Since(started))
	}
}

func stepKey(settlementID string, seq int) string {
	return fmt.Sprintf("%s/%d", settlementID, seq)
}

func countDone(steps []model.SettlementStep) int {
	n := 0
	for _, st := range steps {
		if st.Status == model.StepDone {
			n++
		}
	}
	return n
}
