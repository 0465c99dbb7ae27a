package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fantalega/trade-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	participants map[string]*model.Participant
	players      map[string]*model.Player
	blocks       map[string]*model.GoalkeeperBlock
	proposals    map[string]*model.Proposal
	settlements  map[string]*model.Settlement
	creditKeys   map[string]struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		participants: make(map[string]*model.Participant),
		players:      make(map[string]*model.Player),
		blocks:       make(map[string]*model.GoalkeeperBlock),
		proposals:    make(map[string]*model.Proposal),
		settlements:  make(map[string]*model.Settlement),
		creditKeys:   make(map[string]struct{}),
	}
}

// --- Catalog ---

func (s *MemoryStore) GetParticipant(_ context.Context, id string) (*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[id]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", id, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListParticipants(_ context.Context) ([]model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetPlayer(_ context.Context, id string) (*model.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.players[id]
	if !ok {
		return nil, fmt.Errorf("player %s: %w", id, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPlayersByOwner(_ context.Context, ownerID string) ([]model.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Player
	for _, p := range s.players {
		if p.OwnerID == ownerID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListGoalkeepersByTeam(_ context.Context, teamID string) ([]model.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Player
	for _, p := range s.players {
		if p.TeamID == teamID && p.Role == model.RoleGoalkeeper {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetBlock(_ context.Context, teamID string) (*model.GoalkeeperBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blocks[teamID]
	if !ok {
		return nil, fmt.Errorf("goalkeeper block %s: %w", teamID, ErrNotFound)
	}
	copy := *b
	return &copy, nil
}

func (s *MemoryStore) ListBlocksByOwner(_ context.Context, ownerID string) ([]model.GoalkeeperBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.GoalkeeperBlock
	for _, b := range s.blocks {
		if b.OwnerID == ownerID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- CatalogWriter ---

func (s *MemoryStore) TransferPlayer(_ context.Context, playerID, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[playerID]
	if !ok {
		return fmt.Errorf("player %s: %w", playerID, ErrNotFound)
	}
	if p.Role == model.RoleGoalkeeper {
		return fmt.Errorf("player %s: %w", playerID, ErrGoalkeeperTransfer)
	}
	if p.OwnerID == from {
		p.OwnerID = to
		return nil
	}
	return fmt.Errorf("player %s owned by %q, expected %q: %w", playerID, p.OwnerID, from, ErrOwnershipConflict)
}

func (s *MemoryStore) TransferBlock(_ context.Context, teamID, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[teamID]
	if !ok {
		return fmt.Errorf("goalkeeper block %s: %w", teamID, ErrNotFound)
	}
	if b.OwnerID != from {
		return fmt.Errorf("goalkeeper block %s owned by %q, expected %q: %w", teamID, b.OwnerID, from, ErrOwnershipConflict)
	}
	b.OwnerID = to
	s.mirrorGoalkeepersLocked(teamID, to)
	return nil
}

func (s *MemoryStore) ApplyCreditDelta(_ context.Context, participantID string, delta int64, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantID]
	if !ok {
		return 0, fmt.Errorf("participant %s: %w", participantID, ErrNotFound)
	}
	if key != "" {
		if _, done := s.creditKeys[key]; done {
			return p.CreditBalance, nil
		}
	}
	next := p.CreditBalance + delta
	if next < 0 {
		return p.CreditBalance, fmt.Errorf("participant %s balance %d, delta %d: %w",
			participantID, p.CreditBalance, delta, ErrInsufficientCredits)
	}
	p.CreditBalance = next
	p.UpdatedAt = time.Now().UTC()
	if key != "" {
		s.creditKeys[key] = struct{}{}
	}
	return next, nil
}

func (s *MemoryStore) mirrorGoalkeepersLocked(teamID, owner string) {
	for _, p := range s.players {
		if p.TeamID == teamID && p.Role == model.RoleGoalkeeper {
			p.OwnerID = owner
		}
	}
}

// --- Proposals ---

func (s *MemoryStore) CreateProposal(_ context.Context, p *model.Proposal) error {
	if err := ValidateProposal(p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.proposals[p.ID]; exists {
		return fmt.Errorf("proposal %s: %w", p.ID, ErrAlreadyExists)
	}
	// Store a copy to avoid external mutation.
	copy := p.Clone()
	s.proposals[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetProposal(_ context.Context, id string) (*model.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.proposals[id]
	if !ok {
		return nil, fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	copy := p.Clone()
	return &copy, nil
}

func (s *MemoryStore) ListProposals(_ context.Context, f ProposalFilter) ([]model.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Proposal
	for _, p := range s.proposals {
		if f.Match(*p) {
			out = append(out, p.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) UpdateProposalStatus(_ context.Context, id string, from, to model.Status, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id]
	if !ok {
		return fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	if p.Status != from {
		return fmt.Errorf("proposal %s is %s, expected %s: %w", id, p.Status, from, ErrStatusConflict)
	}
	p.Status = to
	t := completedAt
	p.CompletedAt = &t
	return nil
}

func (s *MemoryStore) DeleteProposal(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.proposals[id]; !ok {
		return fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	delete(s.proposals, id)
	return nil
}

// --- Journal ---

func (s *MemoryStore) CreateSettlement(_ context.Context, st *model.Settlement) error {
	if st.ID == "" || st.ProposalID == "" {
		return ErrMissingField
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.settlements[st.ID]; exists {
		return fmt.Errorf("settlement %s: %w", st.ID, ErrAlreadyExists)
	}
	copy := st.Clone()
	s.settlements[st.ID] = &copy
	return nil
}

func (s *MemoryStore) GetSettlement(_ context.Context, id string) (*model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.settlements[id]
	if !ok {
		return nil, fmt.Errorf("settlement %s: %w", id, ErrNotFound)
	}
	copy := st.Clone()
	return &copy, nil
}

func (s *MemoryStore) UpdateSettlementStep(_ context.Context, id string, seq int, status model.StepStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.settlements[id]
	if !ok {
		return fmt.Errorf("settlement %s: %w", id, ErrNotFound)
	}
	for i := range st.Steps {
		if st.Steps[i].Seq == seq {
			st.Steps[i].Status = status
			st.Steps[i].Error = errMsg
			st.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("settlement %s step %d: %w", id, seq, ErrNotFound)
}

func (s *MemoryStore) UpdateSettlementStatus(_ context.Context, id string, status model.SettlementStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.settlements[id]
	if !ok {
		return fmt.Errorf("settlement %s: %w", id, ErrNotFound)
	}
	st.Status = status
	st.Error = errMsg
	st.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListSettlements(_ context.Context, statuses []model.SettlementStatus, before time.Time, limit int) ([]model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[model.SettlementStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []model.Settlement
	for _, st := range s.settlements {
		if len(want) > 0 && !want[st.Status] {
			continue
		}
		if !before.IsZero() && !st.UpdatedAt.Before(before) {
			continue
		}
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Seeder ---

func (s *MemoryStore) UpsertParticipant(_ context.Context, p *model.Participant) error {
	if p.ID == "" {
		return ErrMissingField
	}
	if p.CreditBalance < 0 {
		return fmt.Errorf("participant %s: %w", p.ID, ErrInsufficientCredits)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *p
	if copy.UpdatedAt.IsZero() {
		copy.UpdatedAt = time.Now().UTC()
	}
	s.participants[p.ID] = &copy
	return nil
}

// UpsertPlayer stores a player. A goalkeeper whose block is known takes
// the block's owner regardless of the owner it was given.
func (s *MemoryStore) UpsertPlayer(_ context.Context, p *model.Player) error {
	if p.ID == "" || !p.Role.Valid() {
		return ErrMissingField
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *p
	if copy.Role == model.RoleGoalkeeper {
		if b, ok := s.blocks[copy.TeamID]; ok {
			copy.OwnerID = b.OwnerID
		}
	}
	s.players[p.ID] = &copy
	return nil
}

func (s *MemoryStore) UpsertBlock(_ context.Context, b *model.GoalkeeperBlock) error {
	if b.ID == "" {
		return ErrMissingField
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *b
	s.blocks[b.ID] = &copy
	s.mirrorGoalkeepersLocked(b.ID, b.OwnerID)
	return nil
}

func sortNewestFirst(ps []model.Proposal) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID > ps[j].ID
		}
		return ps[i].CreatedAt.After(ps[j].CreatedAt)
	})
}
