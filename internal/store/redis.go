package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fantalega/trade-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for single-record lookups. Writes go to the primary store and
// invalidate the affected keys; lists and the settlement journal are never
// cached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) TransferPlayer(ctx context.Context, playerID, from, to string) error {
	if err := s.primary.TransferPlayer(ctx, playerID, from, to); err != nil {
		return err
	}
	s.rdb.Del(ctx, playerKey(playerID))
	return nil
}

func (s *CachedStore) TransferBlock(ctx context.Context, teamID, from, to string) error {
	if err := s.primary.TransferBlock(ctx, teamID, from, to); err != nil {
		return err
	}
	s.invalidateBlock(ctx, teamID)
	return nil
}

func (s *CachedStore) ApplyCreditDelta(ctx context.Context, participantID string, delta int64, key string) (int64, error) {
	balance, err := s.primary.ApplyCreditDelta(ctx, participantID, delta, key)
	if err != nil {
		return balance, err
	}
	s.rdb.Del(ctx, participantKey(participantID))
	return balance, nil
}

func (s *CachedStore) CreateProposal(ctx context.Context, p *model.Proposal) error {
	if err := s.primary.CreateProposal(ctx, p); err != nil {
		return err
	}
	s.cache(ctx, proposalKey(p.ID), p)
	return nil
}

func (s *CachedStore) UpdateProposalStatus(ctx context.Context, id string, from, to model.Status, completedAt time.Time) error {
	err := s.primary.UpdateProposalStatus(ctx, id, from, to, completedAt)
	// A conflict means the cached copy is stale too.
	s.rdb.Del(ctx, proposalKey(id))
	return err
}

func (s *CachedStore) DeleteProposal(ctx context.Context, id string) error {
	err := s.primary.DeleteProposal(ctx, id)
	s.rdb.Del(ctx, proposalKey(id))
	return err
}

func (s *CachedStore) UpsertParticipant(ctx context.Context, p *model.Participant) error {
	if err := s.primary.UpsertParticipant(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, participantKey(p.ID))
	return nil
}

func (s *CachedStore) UpsertPlayer(ctx context.Context, p *model.Player) error {
	if err := s.primary.UpsertPlayer(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, playerKey(p.ID))
	return nil
}

func (s *CachedStore) UpsertBlock(ctx context.Context, b *model.GoalkeeperBlock) error {
	if err := s.primary.UpsertBlock(ctx, b); err != nil {
		return err
	}
	s.invalidateBlock(ctx, b.ID)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	var p model.Participant
	if s.lookup(ctx, participantKey(id), &p) {
		return &p, nil
	}
	fresh, err := s.primary.GetParticipant(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, participantKey(id), fresh)
	return fresh, nil
}

func (s *CachedStore) GetPlayer(ctx context.Context, id string) (*model.Player, error) {
	var p model.Player
	if s.lookup(ctx, playerKey(id), &p) {
		return &p, nil
	}
	fresh, err := s.primary.GetPlayer(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, playerKey(id), fresh)
	return fresh, nil
}

func (s *CachedStore) GetBlock(ctx context.Context, teamID string) (*model.GoalkeeperBlock, error) {
	var b model.GoalkeeperBlock
	if s.lookup(ctx, blockKey(teamID), &b) {
		return &b, nil
	}
	fresh, err := s.primary.GetBlock(ctx, teamID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, blockKey(teamID), fresh)
	return fresh, nil
}

func (s *CachedStore) GetProposal(ctx context.Context, id string) (*model.Proposal, error) {
	var p model.Proposal
	if s.lookup(ctx, proposalKey(id), &p) {
		return &p, nil
	}
	fresh, err := s.primary.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, proposalKey(id), fresh)
	return fresh, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListParticipants(ctx context.Context) ([]model.Participant, error) {
	return s.primary.ListParticipants(ctx)
}

func (s *CachedStore) ListPlayersByOwner(ctx context.Context, ownerID string) ([]model.Player, error) {
	return s.primary.ListPlayersByOwner(ctx, ownerID)
}

func (s *CachedStore) ListGoalkeepersByTeam(ctx context.Context, teamID string) ([]model.Player, error) {
	return s.primary.ListGoalkeepersByTeam(ctx, teamID)
}

func (s *CachedStore) ListBlocksByOwner(ctx context.Context, ownerID string) ([]model.GoalkeeperBlock, error) {
	return s.primary.ListBlocksByOwner(ctx, ownerID)
}

func (s *CachedStore) ListProposals(ctx context.Context, f ProposalFilter) ([]model.Proposal, error) {
	return s.primary.ListProposals(ctx, f)
}

func (s *CachedStore) CreateSettlement(ctx context.Context, st *model.Settlement) error {
	return s.primary.CreateSettlement(ctx, st)
}

func (s *CachedStore) GetSettlement(ctx context.Context, id string) (*model.Settlement, error) {
	return s.primary.GetSettlement(ctx, id)
}

func (s *CachedStore) UpdateSettlementStep(ctx context.Context, id string, seq int, status model.StepStatus, errMsg string) error {
	return s.primary.UpdateSettlementStep(ctx, id, seq, status, errMsg)
}

func (s *CachedStore) UpdateSettlementStatus(ctx context.Context, id string, status model.SettlementStatus, errMsg string) error {
	return s.primary.UpdateSettlementStatus(ctx, id, status, errMsg)
}

func (s *CachedStore) ListSettlements(ctx context.Context, statuses []model.SettlementStatus, before time.Time, limit int) ([]model.Settlement, error) {
	return s.primary.ListSettlements(ctx, statuses, before, limit)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// invalidateBlock drops the block and the goalkeepers that mirror it.
func (s *CachedStore) invalidateBlock(ctx context.Context, teamID string) {
	keys := []string{blockKey(teamID)}
	if gks, err := s.primary.ListGoalkeepersByTeam(ctx, teamID); err == nil {
		for _, gk := range gks {
			keys = append(keys, playerKey(gk.ID))
		}
	}
	s.rdb.Del(ctx, keys...)
}

func participantKey(id string) string { return fmt.Sprintf("participant:%s", id) }
func playerKey(id string) string      { return fmt.Sprintf("player:%s", id) }
func blockKey(id string) string       { return fmt.Sprintf("gkblock:%s", id) }
func proposalKey(id string) string    { return fmt.Sprintf("proposal:%s", id) }
