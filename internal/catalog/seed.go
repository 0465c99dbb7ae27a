// Package catalog loads league catalog data (participants, players and
// goalkeeper blocks) from YAML seed files. Production catalogs are fed by
// the league's ingestion pipeline; seed files cover development, demos and
// tests.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/fantalega/trade-engine/internal/model"
	"github.com/fantalega/trade-engine/internal/store"
)

var ErrInvalidSeed = errors.New("catalog: invalid seed")

// File is the YAML seed layout.
type File struct {
	Participants []ParticipantSeed `yaml:"participants"`
	Blocks       []BlockSeed       `yaml:"goalkeeper_blocks"`
	Players      []PlayerSeed      `yaml:"players"`
}

type ParticipantSeed struct {
	ID            string `yaml:"id"`
	DisplayName   string `yaml:"display_name"`
	CreditBalance int64  `yaml:"credit_balance"`
}

type BlockSeed struct {
	TeamID        string `yaml:"team_id"`
	TeamName      string `yaml:"team_name"`
	Owner         string `yaml:"owner"`
	Valuation     string `yaml:"valuation"`
	PurchasePrice string `yaml:"purchase_price"`
}

// PlayerSeed describes one player. Goalkeepers take their owner from the
// block of their team; an owner given here is ignored.
type PlayerSeed struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Role          string `yaml:"role"`
	TeamID        string `yaml:"team_id"`
	Owner         string `yaml:"owner"`
	PurchasePrice string `yaml:"purchase_price"`
}

// Stats counts the records written by Seed.
type Stats struct {
	Participants int
	Blocks       int
	Players      int
}

// LoadFile reads and parses a seed file.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open seed: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a seed document and checks its references.
func Parse(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("catalog: decode seed: %w", err)
	}
	if err := f.check(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) check() error {
	participants := make(map[string]bool, len(f.Participants))
	for _, p := range f.Participants {
		if p.ID == "" {
			return fmt.Errorf("%w: participant without id", ErrInvalidSeed)
		}
		if participants[p.ID] {
			return fmt.Errorf("%w: participant %s listed twice", ErrInvalidSeed, p.ID)
		}
		if p.CreditBalance < 0 {
			return fmt.Errorf("%w: participant %s has a negative balance", ErrInvalidSeed, p.ID)
		}
		participants[p.ID] = true
	}
	owned := func(kind, id, owner string) error {
		if owner != "" && !participants[owner] {
			return fmt.Errorf("%w: %s %s owned by unknown participant %s", ErrInvalidSeed, kind, id, owner)
		}
		return nil
	}

	teams := make(map[string]bool, len(f.Blocks))
	for _, b := range f.Blocks {
		if b.TeamID == "" {
			return fmt.Errorf("%w: goalkeeper block without team_id", ErrInvalidSeed)
		}
		if err := owned("goalkeeper block", b.TeamID, b.Owner); err != nil {
			return err
		}
		teams[b.TeamID] = true
	}
	for _, p := range f.Players {
		if p.ID == "" {
			return fmt.Errorf("%w: player without id", ErrInvalidSeed)
		}
		role := model.Role(p.Role)
		if !role.Valid() {
			return fmt.Errorf("%w: player %s has unknown role %q", ErrInvalidSeed, p.ID, p.Role)
		}
		if role == model.RoleGoalkeeper && !teams[p.TeamID] {
			return fmt.Errorf("%w: goalkeeper %s has no block for team %q", ErrInvalidSeed, p.ID, p.TeamID)
		}
		if err := owned("player", p.ID, p.Owner); err != nil {
			return err
		}
	}
	return nil
}

// Seed writes every record in f. Blocks are written before players so
// goalkeepers pick up their block's owner.
func Seed(ctx context.Context, dst store.Seeder, f *File) (Stats, error) {
	var st Stats
	for _, p := range f.Participants {
		if err := dst.UpsertParticipant(ctx, &model.Participant{
			ID:            p.ID,
			DisplayName:   p.DisplayName,
			CreditBalance: p.CreditBalance,
		}); err != nil {
			return st, fmt.Errorf("catalog: participant %s: %w", p.ID, err)
		}
		st.Participants++
	}

	for _, b := range f.Blocks {
		valuation, err := amount(b.Valuation)
		if err != nil {
			return st, fmt.Errorf("catalog: block %s valuation: %w", b.TeamID, err)
		}
		price, err := amount(b.PurchasePrice)
		if err != nil {
			return st, fmt.Errorf("catalog: block %s purchase_price: %w", b.TeamID, err)
		}
		if err := dst.UpsertBlock(ctx, &model.GoalkeeperBlock{
			ID:            b.TeamID,
			TeamName:      b.TeamName,
			OwnerID:       b.Owner,
			Valuation:     valuation,
			PurchasePrice: price,
		}); err != nil {
			return st, fmt.Errorf("catalog: block %s: %w", b.TeamID, err)
		}
		st.Blocks++
	}

	for _, p := range f.Players {
		price, err := amount(p.PurchasePrice)
		if err != nil {
			return st, fmt.Errorf("catalog: player %s purchase_price: %w", p.ID, err)
		}
		if err := dst.UpsertPlayer(ctx, &model.Player{
			ID:            p.ID,
			Name:          p.Name,
			Role:          model.Role(p.Role),
			TeamID:        p.TeamID,
			OwnerID:       p.Owner,
			PurchasePrice: price,
		}); err != nil {
			return st, fmt.Errorf("catalog: player %s: %w", p.ID, err)
		}
		st.Players++
	}
	return st, nil
}

func amount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
