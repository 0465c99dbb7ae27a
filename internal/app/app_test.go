package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/fantalega/trade-engine/internal/auth"
	"github.com/fantalega/trade-engine/internal/config"
	"github.com/fantalega/trade-engine/internal/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpen_MemoryWithSeedAndJournal(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{
		CatalogSeed: filepath.Join("..", "catalog", "testdata", "league.yaml"),
		JournalPath: filepath.Join(t.TempDir(), "journal.db"),
		CacheTTL:    1,
	}
	b, err := Open(ctx, cfg, quietLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	if b.Postgres != nil {
		t.Error("no DATABASE_URL, expected the in-memory store")
	}
	if err := b.Migrate(ctx); !errors.Is(err, ErrNoDatabase) {
		t.Errorf("Migrate without a database: expected ErrNoDatabase, got %v", err)
	}

	ps, err := b.Store.ListParticipants(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 3 {
		t.Fatalf("seeded participants = %d, want 3", len(ps))
	}

	// A full accept goes through the SQLite journal.
	svc := b.NewService(quietLogger(), nil)
	p1 := auth.Identity{ParticipantID: "p1"}
	p2 := auth.Identity{ParticipantID: "p2"}
	p, err := svc.ProposeTrade(ctx, p1, model.Candidate{
		ProposerID:        "p1",
		ReceiverID:        "p2",
		ProposerPlayerIDs: []string{"d1"},
		ReceiverPlayerIDs: []string{"d3"},
	})
	if err != nil {
		t.Fatalf("ProposeTrade: %v", err)
	}
	res, err := svc.AcceptTrade(ctx, p2, p.ID)
	if err != nil {
		t.Fatalf("AcceptTrade: %v", err)
	}
	st, err := b.Store.GetSettlement(ctx, res.Settlement.ID)
	if err != nil {
		t.Fatalf("settlement not journaled: %v", err)
	}
	if st.Status != model.SettlementCompleted {
		t.Errorf("settlement status = %s, want completed", st.Status)
	}
}

func TestOpen_BadSeedPath(t *testing.T) {
	cfg := config.Config{CatalogSeed: filepath.Join(t.TempDir(), "missing.yaml"), CacheTTL: 1}
	if _, err := Open(context.Background(), cfg, quietLogger()); err == nil {
		t.Fatal("expected an error for a missing seed file")
	}
}
