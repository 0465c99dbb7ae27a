// Package model defines the core domain types shared across the trade engine.
// Credits are whole integers; valuations and purchase prices use
// shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role is the playing role of a player. Goalkeepers are only ever traded
// as part of their team's GoalkeeperBlock.
type Role string

const (
	RoleGoalkeeper Role = "GK"
	RoleDefender   Role = "D"
	RoleMidfielder Role = "M"
	RoleAttacker   Role = "A"
)

// TradedRoles are the roles that can be exchanged player by player, in the
// order they are reported by validation.
var TradedRoles = []Role{RoleDefender, RoleMidfielder, RoleAttacker}

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleGoalkeeper, RoleDefender, RoleMidfielder, RoleAttacker:
		return true
	}
	return false
}

// Participant is a league member with a credit budget.
type Participant struct {
	ID            string    `json:"id" db:"id"`
	DisplayName   string    `json:"display_name" db:"display_name"`
	CreditBalance int64     `json:"credit_balance" db:"credit_balance"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Player is an individually ownable squad asset.
type Player struct {
	ID            string          `json:"id" db:"id"`
	Name          string          `json:"name" db:"name"`
	Role          Role            `json:"role" db:"role"`
	TeamID        string          `json:"team_id" db:"team_id"`
	// OwnerID is empty when the player is unowned.
	OwnerID       string          `json:"owner_participant_id,omitempty" db:"owner_participant_id"`
	PurchasePrice decimal.Decimal `json:"purchase_price" db:"purchase_price"`
}

// GoalkeeperBlock groups every goalkeeper of one real-world team into a
// single ownership unit. Its ID is the team ID.
type GoalkeeperBlock struct {
	ID            string          `json:"id" db:"team_id"`
	TeamName      string          `json:"team_name" db:"team_name"`
	OwnerID       string          `json:"owner_participant_id,omitempty" db:"owner_participant_id"`
	Valuation     decimal.Decimal `json:"valuation" db:"valuation"`
	PurchasePrice decimal.Decimal `json:"purchase_price" db:"purchase_price"`
}

// Squad is the derived set of assets one participant owns.
type Squad struct {
	Participant Participant       `json:"participant"`
	Players     []Player          `json:"players"`
	Blocks      []GoalkeeperBlock `json:"goalkeeper_blocks"`
	RoleCounts  map[Role]int      `json:"role_counts"`
	TotalSpent  decimal.Decimal   `json:"total_spent"`
	BlockValue  decimal.Decimal   `json:"block_valuation"`
}
