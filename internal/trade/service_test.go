package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/fantalega/trade-engine/internal/auth"
	"github.com/fantalega/trade-engine/internal/model"
	"github.com/fantalega/trade-engine/internal/settlement"
	"github.com/fantalega/trade-engine/internal/store"
	"github.com/fantalega/trade-engine/internal/trade"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var (
	p1    = auth.Identity{ParticipantID: "p1"}
	p2    = auth.Identity{ParticipantID: "p2"}
	admin = auth.Identity{ParticipantID: "commissioner", Admin: true}
)

// flakyStore fails credit writes for the listed participants.
type flakyStore struct {
	*store.MemoryStore
	failCredit map[string]error
}

func (f *flakyStore) ApplyCreditDelta(ctx context.Context, participantID string, delta int64, key string) (int64, error) {
	if err, ok := f.failCredit[participantID]; ok {
		return 0, err
	}
	return f.MemoryStore.ApplyCreditDelta(ctx, participantID, delta, key)
}

type testEnv struct {
	svc      *trade.Service
	ms       *store.MemoryStore
	flaky    *flakyStore
	router   chi.Router
	verifier *auth.Verifier
}

// newTestEnv creates a test Service over a seeded in-memory store, behind
// the same chi router and auth middleware the server uses.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	seedLeague(t, ms)
	flaky := &flakyStore{MemoryStore: ms, failCredit: map[string]error{}}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := settlement.NewEngine(flaky, settlement.WithLogger(quiet))
	svc := trade.NewService(flaky, engine, nil)

	verifier, err := auth.NewVerifier("test-secret")
	if err != nil {
		t.Fatal(err)
	}

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(verifier.Middleware)
		svc.RegisterRoutes(r)
	})
	return &testEnv{svc: svc, ms: ms, flaky: flaky, router: r, verifier: verifier}
}

// seedLeague: p1 (500 credits) owns d1, d2, m1 and the Arsenal block;
// p2 (300 credits) owns d3, m2, a1 and the Chelsea block.
func seedLeague(t *testing.T, ms *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("failed to seed: %v", err)
		}
	}

	must(ms.UpsertParticipant(ctx, &model.Participant{ID: "p1", DisplayName: "Rossi FC", CreditBalance: 500}))
	must(ms.UpsertParticipant(ctx, &model.Participant{ID: "p2", DisplayName: "Bianchi United", CreditBalance: 300}))

	must(ms.UpsertBlock(ctx, &model.GoalkeeperBlock{ID: "ars", TeamName: "Arsenal", OwnerID: "p1", Valuation: d("25"), PurchasePrice: d("20")}))
	must(ms.UpsertBlock(ctx, &model.GoalkeeperBlock{ID: "che", TeamName: "Chelsea", OwnerID: "p2", Valuation: d("18"), PurchasePrice: d("15")}))

	for _, p := range []model.Player{
		{ID: "d1", Name: "Defender One", Role: model.RoleDefender, TeamID: "ars", OwnerID: "p1", PurchasePrice: d("10")},
		{ID: "d2", Name: "Defender Two", Role: model.RoleDefender, TeamID: "ars", OwnerID: "p1", PurchasePrice: d("12")},
		{ID: "m1", Name: "Midfielder One", Role: model.RoleMidfielder, TeamID: "ars", OwnerID: "p1", PurchasePrice: d("8")},
		{ID: "d3", Name: "Defender Three", Role: model.RoleDefender, TeamID: "che", OwnerID: "p2", PurchasePrice: d("11")},
		{ID: "m2", Name: "Midfielder Two", Role: model.RoleMidfielder, TeamID: "che", OwnerID: "p2", PurchasePrice: d("9")},
		{ID: "a1", Name: "Attacker One", Role: model.RoleAttacker, TeamID: "che", OwnerID: "p2", PurchasePrice: d("30")},
		{ID: "ars-gk1", Name: "Arsenal Keeper", Role: model.RoleGoalkeeper, TeamID: "ars"},
		{ID: "ars-gk2", Name: "Arsenal Reserve", Role: model.RoleGoalkeeper, TeamID: "ars"},
		{ID: "che-gk1", Name: "Chelsea Keeper", Role: model.RoleGoalkeeper, TeamID: "che"},
	} {
		p := p
		must(ms.UpsertPlayer(ctx, &p))
	}
}

func (e *testEnv) do(t *testing.T, method, path string, as *auth.Identity, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		tok, err := e.verifier.Issue(*as, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// propose posts a candidate as p1 and returns the stored proposal.
func (e *testEnv) propose(t *testing.T, c model.Candidate) model.Proposal {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/trades", &p1, c)
	if w.Code != http.StatusCreated {
		t.Fatalf("propose: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var p model.Proposal
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	return p
}

type errorResponse struct {
	Error        string `json:"error"`
	Rule         string `json:"rule"`
	Detail       string `json:"detail"`
	SettlementID string `json:"settlement_id"`
	Step         *struct {
		Seq  int    `json:"seq"`
		Kind string `json:"kind"`
	} `json:"step"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return resp
}

func (e *testEnv) owner(t *testing.T, playerID string) string {
	t.Helper()
	p, err := e.ms.GetPlayer(context.Background(), playerID)
	if err != nil {
		t.Fatal(err)
	}
	return p.OwnerID
}

func (e *testEnv) balance(t *testing.T, id string) int64 {
	t.Helper()
	p, err := e.ms.GetParticipant(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return p.CreditBalance
}

func (e *testEnv) blockOwner(t *testing.T, teamID string) string {
	t.Helper()
	b, err := e.ms.GetBlock(context.Background(), teamID)
	if err != nil {
		t.Fatal(err)
	}
	gks, err := e.ms.ListGoalkeepersByTeam(context.Background(), teamID)
	if err != nil {
		t.Fatal(err)
	}
	for _, gk := range gks {
		if gk.OwnerID != b.OwnerID {
			t.Errorf("goalkeeper %s owner %s disagrees with block %s owner %s", gk.ID, gk.OwnerID, teamID, b.OwnerID)
		}
	}
	return b.OwnerID
}

func scenarioA() model.Candidate {
	return model.Candidate{
		ProposerID:        "p1",
		ReceiverID:        "p2",
		ProposerPlayerIDs: []string{"d1"},
		ReceiverPlayerIDs: []string{"d3"},
		Credits:           50,
	}
}

// --- Lifecycle scenarios ---

func TestAccept_PlayerSwapWithCredits(t *testing.T) {
	env := newTestEnv(t)
	p := env.propose(t, scenarioA())
	if p.Status != model.StatusPending || p.ID == "" {
		t.Fatalf("proposal = %+v", p)
	}

	w := env.do(t, "POST", "/api/v1/trades/"+p.ID+"/accept", &p2, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res trade.Result
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Proposal == nil || res.Proposal.Status != model.StatusAccepted || res.Proposal.CompletedAt == nil {
		t.Errorf("proposal after accept = %+v", res.Proposal)
	}
	if res.Settlement == nil || res.Settlement.Status != model.SettlementCompleted {
		t.Errorf("settlement = %+v", res.Settlement)
	}

	if env.owner(t, "d3") != "p1" || env.owner(t, "d1") != "p2" {
		t.Errorf("owners d1=%s d3=%s", env.owner(t, "d1"), env.owner(t, "d3"))
	}
	if env.balance(t, "p1") != 450 || env.balance(t, "p2") != 350 {
		t.Errorf("balances = %d/%d, want 450/350", env.balance(t, "p1"), env.balance(t, "p2"))
	}
}

func TestAccept_BlockSwap(t *testing.T) {
	env := newTestEnv(t)
	p := env.propose(t, model.Candidate{
		ProposerID:       "p1",
		ReceiverID:       "p2",
		ProposerBlockIDs: []string{"ars"},
		ReceiverBlockIDs: []string{"che"},
	})

	w := env.do(t, "POST", "/api/v1/trades/"+p.ID+"/accept", &p2, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := env.blockOwner(t, "ars"); got != "p2" {
		t.Errorf("ars owner = %s, want p2", got)
	}
	if got := env.blockOwner(t, "che"); got != "p1" {
		t.Errorf("che owner = %s, want p1", got)
	}
	if env.balance(t, "p1") != 500 || env.balance(t, "p2") != 300 {
		t.Error("balances should be unchanged")
	}
}

func TestPropose_RoleImbalance(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/trades", &p1, model.Candidate{
		ProposerID:        "p1",
		ReceiverID:        "p2",
		ProposerPlayerIDs: []string{"d1", "d2"},
		ReceiverPlayerIDs: []string{"d3", "m2"},
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeError(t, w)
	if resp.Rule != "ROLE_IMBALANCE" {
		t.Errorf("rule = %q", resp.Rule)
	}
	if !strings.Contains(resp.Detail, "D(2↔1)") {
		t.Errorf("detail = %q, want D(2↔1)", resp.Detail)
	}

	pending, _ := env.ms.ListProposals(context.Background(), store.ProposalFilter{})
	if len(pending) != 0 {
		t.Errorf("nothing should be stored, got %d proposals", len(pending))
	}
}

func TestInsufficientCredits_AtProposalAndAcceptance(t *testing.T) {
	env := newTestEnv(t)

	c := scenarioA()
	c.Credits = 600
	w := env.do(t, "POST", "/api/v1/trades", &p1, c)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	if rule := decodeError(t, w).Rule; rule != "INSUFFICIENT_CREDITS" {
		t.Errorf("rule = %q", rule)
	}

	// Affordable when proposed, not when accepted.
	c.Credits = 400
	p := env.propose(t, c)
	if _, err := env.ms.ApplyCreditDelta(context.Background(), "p1", -200, "fine-1"); err != nil {
		t.Fatal(err)
	}

	w = env.do(t, "POST", "/api/v1/trades/"+p.ID+"/accept", &p2, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	if rule := decodeError(t, w).Rule; rule != "INSUFFICIENT_CREDITS" {
		t.Errorf("rule = %q", rule)
	}
	if env.owner(t, "d1") != "p1" || env.balance(t, "p1") != 300 || env.balance(t, "p2") != 300 {
		t.Error("a rejected acceptance must not move anything")
	}
	stored, _ := env.ms.GetProposal(context.Background(), p.ID)
	if stored.Status != model.StatusPending {
		t.Errorf("status = %s, want pending", stored.Status)
	}
}

func TestRevert_RestoresScenario(t *testing.T) {
	env := newTestEnv(t)
	p := env.propose(t, scenarioA())
	if w := env.do(t, "POST", "/api/v1/trades/"+p.ID+"/accept", &p2, nil); w.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", w.Code, w.Body.String())
	}

	w := env.do(t, "POST", "/api/v1/admin/trades/"+p.ID+"/revert", &admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if env.owner(t, "d1") != "p1" || env.owner(t, "d3") != "p2" {
		t.Errorf("owners d1=%s d3=%s", env.owner(t, "d1"), env.owner(t, "d3"))
	}
	if env.balance(t, "p1") != 500 || env.balance(t, "p2") != 300 {
		t.Errorf("balances = %d/%d, want 500/300", env.balance(t, "p1"), env.balance(t, "p2"))
	}
	if _, err := env.ms.GetProposal(context.Background(), p.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("proposal should be deleted, got %v", err)
	}
}

func TestRevert_BlockTradeRestoresMirror(t *testing.T) {
	env := newTestEnv(t)
	p := env.propose(t, model.Candidate{
		ProposerID:        "p1",
		ReceiverID:        "p2",
		ProposerPlayerIDs: []string{"m1"},
		ReceiverPlayerIDs: []string{"m2"},
		ProposerBlockIDs:  []string{"ars"},
		ReceiverBlockIDs:  []string{"che"},
		Credits:           -100,
	})
	if w := env.do(t, "POST", "/api/v1/trades/"+p.ID+"/accept", &p2, nil); w.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", w.Code, w.Body.String())
	}
	if env.balance(t, "p1") != 600 || env.balance(t, "p2") != 200 {
		t.Fatalf("balances = %d/%d, want 600/200", env.balance(t, "p1"), env.balance(t, "p2"))
	}

	if w := env.do(t, "POST", "/api/v1/admin/trades/"+p.ID+"/revert", &admin, nil); w.Code != http.StatusOK {
		t.Fatalf("revert: %d %s", w.Code, w.Body.String())
	}
	if env.blockOwner(t, "ars") != "p1" || env.blockOwner(t, "che") != "p2" {
		t.Error("blocks should be back with their original owners")
	}
	if env.owner(t, "m1") != "p1" || env.owner(t, "m2") != "p2" {
		t.Error("midfielders should be back with their original owners")
	}
	if total := env.balance(t, "p1") + env.balance(t, "p2"); total != 800 {
		t.Errorf("credits not conserved: total %d", total)
	}
}

func TestRevert_RequiresAdminAndAcceptedTrade(t *testing.T) {
	env := newTestEnv(t)
	p := env.propose(t, scenarioA())

	if w := env.do(t, "POST", "/api/v1/admin/trades/"+p.ID+"/revert", &p1, nil); w.Code != http.StatusForbidden {
		t.Errorf("participant revert: expected 403, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/admin/trades/"+p.ID+"/revert", &admin, nil); w.Code != http.StatusConflict {
		t.Errorf("revert of pending trade: expected 409, got %d", w.Code)
	}
}

func TestAccept_StaleOwnershipMovesNothing(t *testing.T) {
	env := newTestEnv(t)
	// Two pending trades offer the same defender; nothing is reserved.
	first := env.propose(t, scenarioA())
	second := env.propose(t, model.Candidate{
		ProposerID:        "p1",
		ReceiverID:        "p2",
		ProposerPlayerIDs: []string{"d1"},
		ReceiverPlayerIDs: []string{"d3"},
		Credits:           10,
	})

	if w := env.do(t, "POST", "/api/v1/trades/"+first.ID+"/accept", &p2, nil); w.Code != http.StatusOK {
		t.Fatalf("first accept: %d %s", w.Code, w.Body.String())
	}

	w := env.do(t, "POST", "/api/v1/trades/"+second.ID+"/accept", &p2, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	if rule := decodeError(t, w).Rule; rule != "OWNERSHIP_STALE" {
		t.Errorf("rule = %q", rule)
	}
	if env.balance(t, "p1") != 450 || env.balance(t, "p2") != 350 {
		t.Errorf("balances = %d/%d, want 450/350", env.balance(t, "p1"), env.balance(t, "p2"))
	}
}

// --- Transitions and authorization ---

func TestTransitions(t *testing.T) {
	tests := []struct {
		name   string
		action string
		as     *auth.Identity
		want   int
	}{
		{"receiver rejects", "reject", &p2, http.StatusOK},
		{"proposer cancels", "cancel", &p1, http.StatusOK},
		{"proposer cannot accept", "accept", &p1, http.StatusForbidden},
		{"proposer cannot reject", "reject", &p1, http.StatusForbidden},
		{"receiver cannot cancel", "cancel", &p2, http.StatusForbidden},
		{"admin cannot accept for receiver", "accept", &admin, http.StatusForbidden},
		{"no token", "accept", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			p := env.propose(t, scenarioA())
			w := env.do(t, "POST", "/api/v1/trades/"+p.ID+"/"+tt.action, tt.as, nil)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			if tt.want != http.StatusOK {
				stored, _ := env.ms.GetProposal(context.Background(), p.ID)
				if stored.Status != model.StatusPending {
					t.Errorf("status = %s, want pending", stored.Status)
				}
				return
			}
			var closed model.Proposal
			json.Unmarshal(w.Body.Bytes(), &closed)
			if !closed.Status.Terminal() || closed.CompletedAt == nil {
				t.Errorf("closed proposal = %+v", closed)
			}
		})
	}
}

func TestTerminalTradesStayTerminal(t *testing.T) {
	env := newTestEnv(t)
	p := env.propose(t, scenarioA())
	if w := env.do(t, "POST", "/api/v1/trades/"+p.ID+"/reject", &p2, nil); w.Code != http.StatusOK {
		t.Fatalf("reject: %d", w.Code)
	}

	for _, action := range []struct {
		path string
		as   *auth.Identity
	}{
		{"accept", &p2},
		{"reject", &p2},
		{"cancel", &p1},
	} {
		w := env.do(t, "POST", "/api/v1/trades/"+p.ID+"/"+action.path, action.as, nil)
		if w.Code != http.StatusConflict {
			t.Errorf("%s after reject: expected 409, got %d", action.path, w.Code)
		}
	}
}

func TestAccept_UnknownTrade(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/trades/missing/accept", &p2, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPropose_OnBehalfOfSomeoneElse(t *testing.T) {
	env := newTestEnv(t)
	c := scenarioA()
	c.ProposerID = "p2"
	c.ReceiverID = "p1"
	if w := env.do(t, "POST", "/api/v1/trades", &p1, c); w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestPropose_InvalidBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("POST", "/api/v1/trades", strings.NewReader("{"))
	tok, _ := env.verifier.Issue(p1, time.Hour)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Listings ---

func TestListings(t *testing.T) {
	env := newTestEnv(t)
	settled := env.propose(t, scenarioA())
	open := env.propose(t, model.Candidate{
		ProposerID:        "p1",
		ReceiverID:        "p2",
		ProposerPlayerIDs: []string{"m1"},
		ReceiverPlayerIDs: []string{"m2"},
	})
	if w := env.do(t, "POST", "/api/v1/trades/"+settled.ID+"/accept", &p2, nil); w.Code != http.StatusOK {
		t.Fatalf("accept: %d", w.Code)
	}

	list := func(path string) []model.Proposal {
		t.Helper()
		w := env.do(t, "GET", path, &p2, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("GET %s: %d", path, w.Code)
		}
		var out []model.Proposal
		json.Unmarshal(w.Body.Bytes(), &out)
		return out
	}

	if got := list("/api/v1/participants/p2/trades/received"); len(got) != 1 || got[0].ID != open.ID {
		t.Errorf("received = %+v", got)
	}
	if got := list("/api/v1/participants/p1/trades/sent"); len(got) != 1 || got[0].ID != open.ID {
		t.Errorf("sent = %+v", got)
	}
	if got := list("/api/v1/participants/p2/trades/sent"); len(got) != 0 {
		t.Errorf("p2 sent nothing, got %d", len(got))
	}
	if got := list("/api/v1/participants/p1/trades/history"); len(got) != 1 || got[0].ID != settled.ID {
		t.Errorf("history = %+v", got)
	}
	if got := list("/api/v1/trades/history"); len(got) != 1 {
		t.Errorf("global history = %+v", got)
	}
}

func TestSquad(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/participants/p1/squad", &p2, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var sq model.Squad
	if err := json.Unmarshal(w.Body.Bytes(), &sq); err != nil {
		t.Fatal(err)
	}
	if sq.Participant.CreditBalance != 500 {
		t.Errorf("balance = %d", sq.Participant.CreditBalance)
	}
	if sq.RoleCounts[model.RoleDefender] != 2 || sq.RoleCounts[model.RoleGoalkeeper] != 2 {
		t.Errorf("role counts = %v", sq.RoleCounts)
	}
	if !sq.TotalSpent.Equal(d("50")) {
		t.Errorf("total spent = %s, want 50", sq.TotalSpent)
	}
	if !sq.BlockValue.Equal(d("25")) {
		t.Errorf("block valuation = %s, want 25", sq.BlockValue)
	}

	if w := env.do(t, "GET", "/api/v1/participants/nobody/squad", &p2, nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown participant: expected 404, got %d", w.Code)
	}
}

// --- Partial settlement and recovery ---

func TestAccept_PartialSettlementThenResume(t *testing.T) {
	env := newTestEnv(t)
	env.flaky.failCredit["p2"] = errors.New("connection reset")
	p := env.propose(t, scenarioA())

	w := env.do(t, "POST", "/api/v1/trades/"+p.ID+"/accept", &p2, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeError(t, w)
	if resp.SettlementID == "" || resp.Step == nil || resp.Step.Kind != "credit" {
		t.Fatalf("error body = %+v", resp)
	}

	w = env.do(t, "GET", "/api/v1/admin/settlements", &admin, nil)
	var stalled []model.Settlement
	json.Unmarshal(w.Body.Bytes(), &stalled)
	if len(stalled) != 1 || stalled[0].ID != resp.SettlementID {
		t.Fatalf("stalled = %+v", stalled)
	}
	if w := env.do(t, "GET", "/api/v1/admin/settlements", &p1, nil); w.Code != http.StatusForbidden {
		t.Errorf("participant listing settlements: expected 403, got %d", w.Code)
	}

	delete(env.flaky.failCredit, "p2")
	w = env.do(t, "POST", "/api/v1/admin/settlements/"+resp.SettlementID+"/resume", &admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resume: %d %s", w.Code, w.Body.String())
	}
	if env.balance(t, "p1") != 450 || env.balance(t, "p2") != 350 {
		t.Errorf("balances = %d/%d, want 450/350", env.balance(t, "p1"), env.balance(t, "p2"))
	}
	stored, _ := env.ms.GetProposal(context.Background(), p.ID)
	if stored.Status != model.StatusAccepted {
		t.Errorf("status = %s", stored.Status)
	}

	w = env.do(t, "POST", "/api/v1/admin/settlements/"+resp.SettlementID+"/compensate", &admin, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("compensating a completed settlement: expected 409, got %d", w.Code)
	}
}

func TestAccept_PartialSettlementThenCompensate(t *testing.T) {
	env := newTestEnv(t)
	env.flaky.failCredit["p2"] = errors.New("connection reset")
	p := env.propose(t, scenarioA())

	w := env.do(t, "POST", "/api/v1/trades/"+p.ID+"/accept", &p2, nil)
	resp := decodeError(t, w)

	delete(env.flaky.failCredit, "p2")
	w = env.do(t, "POST", "/api/v1/admin/settlements/"+resp.SettlementID+"/compensate", &admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("compensate: %d %s", w.Code, w.Body.String())
	}
	if env.owner(t, "d1") != "p1" || env.owner(t, "d3") != "p2" {
		t.Error("players should be back with their original owners")
	}
	if env.balance(t, "p1") != 500 || env.balance(t, "p2") != 300 {
		t.Errorf("balances = %d/%d, want 500/300", env.balance(t, "p1"), env.balance(t, "p2"))
	}

	// The trade is still pending and can be accepted again.
	w = env.do(t, "POST", "/api/v1/trades/"+p.ID+"/accept", &p2, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("second accept: %d %s", w.Code, w.Body.String())
	}
}
