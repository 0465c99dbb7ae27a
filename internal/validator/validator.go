// Package validator decides whether a candidate trade may be stored or
// settled.
//
// The same rules run twice: when the trade is proposed and again, against
// live balances and owners, when the receiver accepts it. Both sides of a
// trade must offer the same number of defenders, midfielders, attackers and
// goalkeeper blocks; totals alone are not enough.
package validator

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/fantalega/trade-engine/internal/model"
)

// Rule is a machine-readable name for the check that failed.
type Rule string

const (
	RuleSameParticipant      Rule = "SAME_PARTICIPANT"
	RuleMissingParticipant   Rule = "MISSING_PARTICIPANT"
	RuleEmptyTrade           Rule = "EMPTY_TRADE"
	RuleCreditsOutOfRange    Rule = "CREDITS_OUT_OF_RANGE"
	RuleDuplicateAsset       Rule = "DUPLICATE_ASSET"
	RuleUnknownAsset         Rule = "UNKNOWN_ASSET"
	RuleGoalkeeperIndividual Rule = "GOALKEEPER_INDIVIDUAL"
	RuleRoleImbalance        Rule = "ROLE_IMBALANCE"
	RuleInsufficientCredits  Rule = "INSUFFICIENT_CREDITS"
	RuleOwnershipStale       Rule = "OWNERSHIP_STALE"
)

// ErrInvalidTrade is matched by every *Error via errors.Is.
var ErrInvalidTrade = errors.New("validator: invalid trade")

// blockLabel is the role label used when block counts disagree.
const blockLabel = "GK"

// Imbalance is one role whose counts differ between the two sides.
type Imbalance struct {
	Role     string `json:"role"`
	Proposer int    `json:"proposer"`
	Receiver int    `json:"receiver"`
}

func (i Imbalance) String() string {
	return fmt.Sprintf("%s(%d↔%d)", i.Role, i.Proposer, i.Receiver)
}

// Error is a rejected trade: which rule failed and the specific mismatch.
type Error struct {
	Rule       Rule        `json:"rule"`
	Detail     string      `json:"detail"`
	Imbalances []Imbalance `json:"imbalances,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("validator: %s: %s", e.Rule, e.Detail)
}

func (e *Error) Is(target error) bool { return target == ErrInvalidTrade }

func newError(rule Rule, format string, args ...any) *Error {
	return &Error{Rule: rule, Detail: fmt.Sprintf(format, args...)}
}

// Snapshot is the catalog state a candidate is judged against. Players and
// Blocks must contain every id the candidate lists that exists.
type Snapshot struct {
	Proposer *model.Participant
	Receiver *model.Participant
	Players  map[string]model.Player
	Blocks   map[string]model.GoalkeeperBlock
}

// Validate runs every rule in order and returns the first failure, or nil.
func Validate(c model.Candidate, snap Snapshot) error {
	checks := []func(model.Candidate, Snapshot) error{
		checkParticipants,
		func(c model.Candidate, _ Snapshot) error { return CheckNotEmpty(c) },
		func(c model.Candidate, _ Snapshot) error { return CheckCreditRange(c) },
		func(c model.Candidate, _ Snapshot) error { return CheckDistinct(c) },
		checkKnown,
		func(c model.Candidate, s Snapshot) error { return CheckRoleBalance(c, s.Players) },
		func(c model.Candidate, s Snapshot) error { return CheckCredits(c, s.Proposer, s.Receiver) },
		CheckOwnership,
	}
	for _, check := range checks {
		if err := check(c, snap); err != nil {
			return err
		}
	}
	return nil
}

func checkParticipants(c model.Candidate, snap Snapshot) error {
	if c.ProposerID == "" || c.ReceiverID == "" {
		return newError(RuleMissingParticipant, "proposer and receiver are required")
	}
	if c.ProposerID == c.ReceiverID {
		return newError(RuleSameParticipant, "participant %s cannot trade with itself", c.ProposerID)
	}
	if snap.Proposer == nil {
		return newError(RuleMissingParticipant, "participant %s not found", c.ProposerID)
	}
	if snap.Receiver == nil {
		return newError(RuleMissingParticipant, "participant %s not found", c.ReceiverID)
	}
	return nil
}

// CheckNotEmpty requires at least one asset or a non-zero credit amount.
// A trade may move credits one way only.
func CheckNotEmpty(c model.Candidate) error {
	if c.AssetCount() == 0 && c.Credits == 0 {
		return newError(RuleEmptyTrade, "no players, blocks or credits selected")
	}
	return nil
}

// CheckCreditRange rejects a credit amount whose magnitude does not fit in
// an int64. math.MinInt64 has no positive counterpart.
func CheckCreditRange(c model.Candidate) error {
	if c.Credits == math.MinInt64 {
		return newError(RuleCreditsOutOfRange, "credits %d out of range", c.Credits)
	}
	return nil
}

// CheckDistinct rejects an id listed more than once across the trade.
func CheckDistinct(c model.Candidate) error {
	seen := make(map[string]bool)
	for _, ids := range [][]string{c.ProposerPlayerIDs, c.ReceiverPlayerIDs} {
		for _, id := range ids {
			if seen[id] {
				return newError(RuleDuplicateAsset, "player %s listed twice", id)
			}
			seen[id] = true
		}
	}
	seen = make(map[string]bool)
	for _, ids := range [][]string{c.ProposerBlockIDs, c.ReceiverBlockIDs} {
		for _, id := range ids {
			if seen[id] {
				return newError(RuleDuplicateAsset, "goalkeeper block %s listed twice", id)
			}
			seen[id] = true
		}
	}
	return nil
}

func checkKnown(c model.Candidate, snap Snapshot) error {
	for _, id := range append(append([]string{}, c.ProposerPlayerIDs...), c.ReceiverPlayerIDs...) {
		p, ok := snap.Players[id]
		if !ok {
			return newError(RuleUnknownAsset, "player %s not found", id)
		}
		if p.Role == model.RoleGoalkeeper {
			return newError(RuleGoalkeeperIndividual,
				"goalkeeper %s trades only with the %s block", id, p.TeamID)
		}
	}
	for _, id := range append(append([]string{}, c.ProposerBlockIDs...), c.ReceiverBlockIDs...) {
		if _, ok := snap.Blocks[id]; !ok {
			return newError(RuleUnknownAsset, "goalkeeper block %s not found", id)
		}
	}
	return nil
}

// CheckRoleBalance requires per-role equality between the players each
// side offers, and equal numbers of goalkeeper blocks. Every mismatch is
// reported, e.g. "D(2↔1), M(0↔1)".
func CheckRoleBalance(c model.Candidate, players map[string]model.Player) error {
	proposer := countRoles(c.ProposerPlayerIDs, players)
	receiver := countRoles(c.ReceiverPlayerIDs, players)

	var imbalances []Imbalance
	for _, role := range model.TradedRoles {
		if proposer[role] != receiver[role] {
			imbalances = append(imbalances, Imbalance{
				Role:     string(role),
				Proposer: proposer[role],
				Receiver: receiver[role],
			})
		}
	}
	if len(c.ProposerBlockIDs) != len(c.ReceiverBlockIDs) {
		imbalances = append(imbalances, Imbalance{
			Role:     blockLabel,
			Proposer: len(c.ProposerBlockIDs),
			Receiver: len(c.ReceiverBlockIDs),
		})
	}
	if len(imbalances) == 0 {
		return nil
	}

	parts := make([]string, len(imbalances))
	for i, im := range imbalances {
		parts[i] = im.String()
	}
	return &Error{
		Rule:       RuleRoleImbalance,
		Detail:     strings.Join(parts, ", "),
		Imbalances: imbalances,
	}
}

func countRoles(ids []string, players map[string]model.Player) map[model.Role]int {
	counts := make(map[model.Role]int, len(model.TradedRoles))
	for _, id := range ids {
		if p, ok := players[id]; ok {
			counts[p.Role]++
		}
	}
	return counts
}

// CheckCredits requires the paying side to hold at least the amount it
// pays. Balances must be current: this runs again at acceptance.
func CheckCredits(c model.Candidate, proposer, receiver *model.Participant) error {
	payerID, amount := c.Payer()
	if amount == 0 {
		return nil
	}
	payer := proposer
	if payerID == c.ReceiverID {
		payer = receiver
	}
	if payer == nil {
		return newError(RuleMissingParticipant, "participant %s not found", payerID)
	}
	if payer.CreditBalance < amount {
		return newError(RuleInsufficientCredits,
			"%s pays %d credits but holds %d", payer.ID, amount, payer.CreditBalance)
	}
	return nil
}

// CheckOwnership requires every offered asset to still belong to the side
// offering it.
func CheckOwnership(c model.Candidate, snap Snapshot) error {
	if err := ownsPlayers(c.ProposerID, c.ProposerPlayerIDs, snap.Players); err != nil {
		return err
	}
	if err := ownsPlayers(c.ReceiverID, c.ReceiverPlayerIDs, snap.Players); err != nil {
		return err
	}
	if err := ownsBlocks(c.ProposerID, c.ProposerBlockIDs, snap.Blocks); err != nil {
		return err
	}
	return ownsBlocks(c.ReceiverID, c.ReceiverBlockIDs, snap.Blocks)
}

func ownsPlayers(owner string, ids []string, players map[string]model.Player) error {
	for _, id := range ids {
		p, ok := players[id]
		if !ok {
			return newError(RuleUnknownAsset, "player %s not found", id)
		}
		if p.OwnerID != owner {
			return newError(RuleOwnershipStale,
				"player %s belongs to %s, not %s", id, ownerLabel(p.OwnerID), owner)
		}
	}
	return nil
}

func ownsBlocks(owner string, ids []string, blocks map[string]model.GoalkeeperBlock) error {
	for _, id := range ids {
		b, ok := blocks[id]
		if !ok {
			return newError(RuleUnknownAsset, "goalkeeper block %s not found", id)
		}
		if b.OwnerID != owner {
			return newError(RuleOwnershipStale,
				"goalkeeper block %s belongs to %s, not %s", id, ownerLabel(b.OwnerID), owner)
		}
	}
	return nil
}

func ownerLabel(id string) string {
	if id == "" {
		return "nobody"
	}
	return id
}

// Stale builds the error reported when a write finds an asset already
// moved by someone else.
func Stale(cause error) *Error {
	return newError(RuleOwnershipStale, "%v", cause)
}
