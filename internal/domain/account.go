package domain

import (
	"strings"
	"time"
)

// BonusBalance is the welcome credit (in minor units) granted once when an
// account is provisioned.
const BonusBalance int64 = 5000

// Account is a ledger entry holding a non-negative balance for one verified identity
type Account struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Balance     int64     `json:"balance"` // minor units
	CreatedAt   time.Time `json:"created_at"`
}

// NormalizeAccountID canonicalizes an email so it can be used as an account key
func NormalizeAccountID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
