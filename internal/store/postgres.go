package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fantalega/trade-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Valuations are stored as NUMERIC for exact decimal precision. An empty
// owner is stored as NULL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates any missing tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// --- Catalog ---

func (s *PostgresStore) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	var p model.Participant
	err := s.pool.QueryRow(ctx,
		`SELECT id, display_name, credit_balance, updated_at FROM participants WHERE id = $1`, id).
		Scan(&p.ID, &p.DisplayName, &p.CreditBalance, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "participant "+id)
	}
	return &p, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context) ([]model.Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, display_name, credit_balance, updated_at FROM participants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		var p model.Participant
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.CreditBalance, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const playerColumns = `id, name, role, team_id, COALESCE(owner_participant_id, ''), purchase_price::TEXT`

func scanPlayer(row pgx.Row) (model.Player, error) {
	var p model.Player
	var role, price string
	if err := row.Scan(&p.ID, &p.Name, &role, &p.TeamID, &p.OwnerID, &price); err != nil {
		return p, err
	}
	p.Role = model.Role(role)
	p.PurchasePrice, _ = decimal.NewFromString(price)
	return p, nil
}

func (s *PostgresStore) GetPlayer(ctx context.Context, id string) (*model.Player, error) {
	p, err := scanPlayer(s.pool.QueryRow(ctx,
		`SELECT `+playerColumns+` FROM players WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "player "+id)
	}
	return &p, nil
}

func (s *PostgresStore) ListPlayersByOwner(ctx context.Context, ownerID string) ([]model.Player, error) {
	return s.listPlayers(ctx,
		`SELECT `+playerColumns+` FROM players WHERE owner_participant_id = $1 ORDER BY id`, ownerID)
}

func (s *PostgresStore) ListGoalkeepersByTeam(ctx context.Context, teamID string) ([]model.Player, error) {
	return s.listPlayers(ctx,
		`SELECT `+playerColumns+` FROM players WHERE team_id = $1 AND role = 'GK' ORDER BY id`, teamID)
}

func (s *PostgresStore) listPlayers(ctx context.Context, query string, args ...any) ([]model.Player, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const blockColumns = `team_id, team_name, COALESCE(owner_participant_id, ''), valuation::TEXT, purchase_price::TEXT`

func scanBlock(row pgx.Row) (model.GoalkeeperBlock, error) {
	var b model.GoalkeeperBlock
	var valuation, price string
	if err := row.Scan(&b.ID, &b.TeamName, &b.OwnerID, &valuation, &price); err != nil {
		return b, err
	}
	b.Valuation, _ = decimal.NewFromString(valuation)
	b.PurchasePrice, _ = decimal.NewFromString(price)
	return b, nil
}

func (s *PostgresStore) GetBlock(ctx context.Context, teamID string) (*model.GoalkeeperBlock, error) {
	b, err := scanBlock(s.pool.QueryRow(ctx,
		`SELECT `+blockColumns+` FROM goalkeeper_blocks WHERE team_id = $1`, teamID))
	if err != nil {
		return nil, notFound(err, "goalkeeper block "+teamID)
	}
	return &b, nil
}

func (s *PostgresStore) ListBlocksByOwner(ctx context.Context, ownerID string) ([]model.GoalkeeperBlock, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+blockColumns+` FROM goalkeeper_blocks WHERE owner_participant_id = $1 ORDER BY team_id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.GoalkeeperBlock
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- CatalogWriter ---

func (s *PostgresStore) TransferPlayer(ctx context.Context, playerID, from, to string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE players SET owner_participant_id = NULLIF($3, '')
		 WHERE id = $1 AND role <> 'GK'
		   AND owner_participant_id IS NOT DISTINCT FROM NULLIF($2, '')`,
		playerID, from, to)
	if err != nil {
		return fmt.Errorf("transfer player %s: %w", playerID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Nothing matched: find out why.
	var owner, role string
	err = s.pool.QueryRow(ctx,
		`SELECT COALESCE(owner_participant_id, ''), role FROM players WHERE id = $1`, playerID).
		Scan(&owner, &role)
	if err != nil {
		return notFound(err, "player "+playerID)
	}
	if model.Role(role) == model.RoleGoalkeeper {
		return fmt.Errorf("player %s: %w", playerID, ErrGoalkeeperTransfer)
	}
	return fmt.Errorf("player %s owned by %q, expected %q: %w", playerID, owner, from, ErrOwnershipConflict)
}

// TransferBlock moves the block and its goalkeepers in one transaction.
func (s *PostgresStore) TransferBlock(ctx context.Context, teamID, from, to string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var owner string
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(owner_participant_id, '') FROM goalkeeper_blocks WHERE team_id = $1 FOR UPDATE`, teamID).
		Scan(&owner)
	if err != nil {
		return notFound(err, "goalkeeper block "+teamID)
	}
	if owner != from {
		return fmt.Errorf("goalkeeper block %s owned by %q, expected %q: %w", teamID, owner, from, ErrOwnershipConflict)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE goalkeeper_blocks SET owner_participant_id = NULLIF($2, '') WHERE team_id = $1`, teamID, to); err != nil {
		return fmt.Errorf("transfer block %s: %w", teamID, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE players SET owner_participant_id = NULLIF($2, '') WHERE team_id = $1 AND role = 'GK'`, teamID, to); err != nil {
		return fmt.Errorf("mirror goalkeepers %s: %w", teamID, err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ApplyCreditDelta(ctx context.Context, participantID string, delta int64, key string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if key != "" {
		tag, err := tx.Exec(ctx,
			`INSERT INTO credit_applications (key, participant_id, delta) VALUES ($1, $2, $3)
			 ON CONFLICT (key) DO NOTHING`, key, participantID, delta)
		if err != nil {
			return 0, fmt.Errorf("record credit key %s: %w", key, err)
		}
		if tag.RowsAffected() == 0 {
			var balance int64
			err := tx.QueryRow(ctx, `SELECT credit_balance FROM participants WHERE id = $1`, participantID).Scan(&balance)
			if err != nil {
				return 0, notFound(err, "participant "+participantID)
			}
			return balance, nil
		}
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`UPDATE participants SET credit_balance = credit_balance + $2, updated_at = now()
		 WHERE id = $1 AND credit_balance + $2 >= 0
		 RETURNING credit_balance`, participantID, delta).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		var current int64
		if err := tx.QueryRow(ctx, `SELECT credit_balance FROM participants WHERE id = $1`, participantID).Scan(&current); err != nil {
			return 0, notFound(err, "participant "+participantID)
		}
		return current, fmt.Errorf("participant %s balance %d, delta %d: %w",
			participantID, current, delta, ErrInsufficientCredits)
	}
	if err != nil {
		return 0, fmt.Errorf("apply credit delta %s: %w", participantID, err)
	}
	return balance, tx.Commit(ctx)
}

// --- Proposals ---

const proposalColumns = `id, proposer_participant_id, receiver_participant_id,
	proposer_player_ids, receiver_player_ids, proposer_block_ids, receiver_block_ids,
	credits_offered, status, created_at, completed_at`

func scanProposal(row pgx.Row) (model.Proposal, error) {
	var p model.Proposal
	var status string
	err := row.Scan(&p.ID, &p.ProposerID, &p.ReceiverID,
		&p.ProposerPlayerIDs, &p.ReceiverPlayerIDs, &p.ProposerBlockIDs, &p.ReceiverBlockIDs,
		&p.Credits, &status, &p.CreatedAt, &p.CompletedAt)
	p.Status = model.Status(status)
	return p, err
}

func (s *PostgresStore) CreateProposal(ctx context.Context, p *model.Proposal) error {
	if err := ValidateProposal(p); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_proposals (`+proposalColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.ProposerID, p.ReceiverID,
		ids(p.ProposerPlayerIDs), ids(p.ReceiverPlayerIDs), ids(p.ProposerBlockIDs), ids(p.ReceiverBlockIDs),
		p.Credits, string(p.Status), p.CreatedAt, p.CompletedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("proposal %s: %w", p.ID, ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) GetProposal(ctx context.Context, id string) (*model.Proposal, error) {
	p, err := scanProposal(s.pool.QueryRow(ctx,
		`SELECT `+proposalColumns+` FROM trade_proposals WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "proposal "+id)
	}
	return &p, nil
}

func (s *PostgresStore) ListProposals(ctx context.Context, f ProposalFilter) ([]model.Proposal, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.ProposerID != "" {
		add("proposer_participant_id = $%d", f.ProposerID)
	}
	if f.ReceiverID != "" {
		add("receiver_participant_id = $%d", f.ReceiverID)
	}
	if f.ParticipantID != "" {
		add("(proposer_participant_id = $%[1]d OR receiver_participant_id = $%[1]d)", f.ParticipantID)
	}

	query := `SELECT ` + proposalColumns + ` FROM trade_proposals`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateProposalStatus(ctx context.Context, id string, from, to model.Status, completedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trade_proposals SET status = $3, completed_at = $4 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), completedAt)
	if err != nil {
		return fmt.Errorf("update proposal %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	if err := s.pool.QueryRow(ctx, `SELECT status FROM trade_proposals WHERE id = $1`, id).Scan(&current); err != nil {
		return notFound(err, "proposal "+id)
	}
	return fmt.Errorf("proposal %s is %s, expected %s: %w", id, current, from, ErrStatusConflict)
}

func (s *PostgresStore) DeleteProposal(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trade_proposals WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete proposal %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Journal ---

const settlementColumns = `id, proposal_id, direction, status, steps, error, created_at, updated_at`

func scanSettlement(row pgx.Row) (model.Settlement, error) {
	var st model.Settlement
	var direction, status string
	var steps []byte
	if err := row.Scan(&st.ID, &st.ProposalID, &direction, &status, &steps, &st.Error, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return st, err
	}
	st.Direction = model.Direction(direction)
	st.Status = model.SettlementStatus(status)
	if err := json.Unmarshal(steps, &st.Steps); err != nil {
		return st, fmt.Errorf("decode steps of settlement %s: %w", st.ID, err)
	}
	return st, nil
}

func (s *PostgresStore) CreateSettlement(ctx context.Context, st *model.Settlement) error {
	if st.ID == "" || st.ProposalID == "" {
		return ErrMissingField
	}
	steps, err := json.Marshal(st.Steps)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO settlements (`+settlementColumns+`)
		 VALUES ($1, $2, $3, $4, $5::JSONB, $6, $7, $8)`,
		st.ID, st.ProposalID, string(st.Direction), string(st.Status), string(steps), st.Error, st.CreatedAt, st.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("settlement %s: %w", st.ID, ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) GetSettlement(ctx context.Context, id string) (*model.Settlement, error) {
	st, err := scanSettlement(s.pool.QueryRow(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "settlement "+id)
	}
	return &st, nil
}

func (s *PostgresStore) UpdateSettlementStep(ctx context.Context, id string, seq int, status model.StepStatus, errMsg string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var raw []byte
	if err := tx.QueryRow(ctx, `SELECT steps FROM settlements WHERE id = $1 FOR UPDATE`, id).Scan(&raw); err != nil {
		return notFound(err, "settlement "+id)
	}
	var steps []model.SettlementStep
	if err := json.Unmarshal(raw, &steps); err != nil {
		return fmt.Errorf("decode steps of settlement %s: %w", id, err)
	}
	if !setStep(steps, seq, status, errMsg) {
		return fmt.Errorf("settlement %s step %d: %w", id, seq, ErrNotFound)
	}
	data, err := json.Marshal(steps)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE settlements SET steps = $2::JSONB, updated_at = now() WHERE id = $1`, id, string(data)); err != nil {
		return fmt.Errorf("update settlement %s: %w", id, err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) UpdateSettlementStatus(ctx context.Context, id string, status model.SettlementStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE settlements SET status = $2, error = $3, updated_at = now() WHERE id = $1`,
		id, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("update settlement %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("settlement %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListSettlements(ctx context.Context, statuses []model.SettlementStatus, before time.Time, limit int) ([]model.Settlement, error) {
	want := make([]string, len(statuses))
	for i, st := range statuses {
		want[i] = string(st)
	}
	var beforeArg, limitArg any
	if !before.IsZero() {
		beforeArg = before
	}
	if limit > 0 {
		limitArg = limit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementColumns+` FROM settlements
		 WHERE (cardinality($1::TEXT[]) = 0 OR status = ANY($1::TEXT[]))
		   AND ($2::TIMESTAMPTZ IS NULL OR updated_at < $2::TIMESTAMPTZ)
		 ORDER BY updated_at ASC
		 LIMIT $3`, want, beforeArg, limitArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- Seeder ---

func (s *PostgresStore) UpsertParticipant(ctx context.Context, p *model.Participant) error {
	if p.ID == "" {
		return ErrMissingField
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO participants (id, display_name, credit_balance, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name,
		     credit_balance = EXCLUDED.credit_balance, updated_at = now()`,
		p.ID, p.DisplayName, p.CreditBalance)
	return err
}

// UpsertPlayer stores a player. A goalkeeper whose block exists takes the
// block's owner regardless of the owner it was given.
func (s *PostgresStore) UpsertPlayer(ctx context.Context, p *model.Player) error {
	if p.ID == "" || !p.Role.Valid() {
		return ErrMissingField
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO players (id, name, role, team_id, owner_participant_id, purchase_price)
		 VALUES ($1, $2, $3, $4,
		         CASE WHEN $3 = 'GK' AND EXISTS (SELECT 1 FROM goalkeeper_blocks WHERE team_id = $4)
		              THEN (SELECT owner_participant_id FROM goalkeeper_blocks WHERE team_id = $4)
		              ELSE NULLIF($5, '') END,
		         $6::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, role = EXCLUDED.role,
		     team_id = EXCLUDED.team_id, owner_participant_id = EXCLUDED.owner_participant_id,
		     purchase_price = EXCLUDED.purchase_price`,
		p.ID, p.Name, string(p.Role), p.TeamID, p.OwnerID, p.PurchasePrice.String())
	return err
}

func (s *PostgresStore) UpsertBlock(ctx context.Context, b *model.GoalkeeperBlock) error {
	if b.ID == "" {
		return ErrMissingField
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO goalkeeper_blocks (team_id, team_name, owner_participant_id, valuation, purchase_price)
		 VALUES ($1, $2, NULLIF($3, ''), $4::NUMERIC, $5::NUMERIC)
		 ON CONFLICT (team_id) DO UPDATE SET team_name = EXCLUDED.team_name,
		     owner_participant_id = EXCLUDED.owner_participant_id,
		     valuation = EXCLUDED.valuation, purchase_price = EXCLUDED.purchase_price`,
		b.ID, b.TeamName, b.OwnerID, b.Valuation.String(), b.PurchasePrice.String()); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE players SET owner_participant_id = NULLIF($2, '') WHERE team_id = $1 AND role = 'GK'`,
		b.ID, b.OwnerID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- helpers ---

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ids keeps NOT NULL array columns from receiving NULL.
func ids(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func setStep(steps []model.SettlementStep, seq int, status model.StepStatus, errMsg string) bool {
	for i := range steps {
		if steps[i].Seq == seq {
			steps[i].Status = status
			steps[i].Error = errMsg
			return true
		}
	}
	return false
}
