package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fantalega/trade-engine/internal/auth"
	"github.com/fantalega/trade-engine/internal/model"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	a := newApp()
	a.Writer = &out
	a.ErrWriter = &errOut
	err := a.Run(append([]string{"tradectl"}, args...))
	return out.String(), err
}

func TestToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")

	out, err := run(t, "token", "--participant", "p7", "--admin", "--ttl", "1h")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	v, err := auth.NewVerifier("cli-secret")
	if err != nil {
		t.Fatal(err)
	}
	id, err := v.Verify(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if id.ParticipantID != "p7" || !id.Admin {
		t.Errorf("identity = %+v", id)
	}
}

func TestToken_RequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := run(t, "token", "--participant", "p1"); err == nil {
		t.Fatal("expected an error without JWT_SECRET")
	}
}

func TestSeed_RequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := run(t, "seed", filepath.Join("..", "..", "internal", "catalog", "testdata", "league.yaml")); err == nil {
		t.Fatal("seeding the throwaway in-memory store should be refused")
	}
}

func TestHistoryAndSettlements_InMemory(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("CATALOG_SEED_PATH", filepath.Join("..", "..", "internal", "catalog", "testdata", "league.yaml"))

	out, err := run(t, "history", "p1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var history []model.Proposal
	if err := json.Unmarshal([]byte(out), &history); err != nil {
		t.Fatalf("history output is not JSON: %v\n%s", err, out)
	}
	if len(history) != 0 {
		t.Errorf("fresh store has history: %+v", history)
	}

	if _, err := run(t, "settlements", "--stalled", "5m"); err != nil {
		t.Fatalf("settlements: %v", err)
	}
}

func TestResume_MissingArgument(t *testing.T) {
	if _, err := run(t, "resume"); err == nil || !strings.Contains(err.Error(), "settlement id") {
		t.Fatalf("expected a missing argument error, got %v", err)
	}
}
