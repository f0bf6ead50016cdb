package ratelimit

import (
	"context"
	"time"
)

// Budget applies the hierarchical limits of one downstream: a per-account
// window and a coarser per-organization window summed across its accounts.
type Budget struct {
	Limiter      Limiter
	Namespace    string // e.g. "marketplace", "ai"
	AccountLimit int
	OrgLimit     int // <= 0 disables the organization window
	Window       time.Duration
}

// Rules returns the windows checked for an account. Both keys carry the
// organization as a Redis hash tag so the script touches a single slot on a
// cluster.
func (b Budget) Rules(orgID, accountID string) []Rule {
	tag := "rl:" + b.Namespace + ":{" + orgID + "}"
	rules := []Rule{{
		Key:    tag + ":acct:" + accountID,
		Limit:  b.AccountLimit,
		Window: b.Window,
	}}
	if b.OrgLimit > 0 && orgID != "" {
		rules = append(rules, Rule{
			Key:    tag + ":org",
			Limit:  b.OrgLimit,
			Window: b.Window,
		})
	}
	return rules
}

func (b Budget) Acquire(ctx context.Context, orgID, accountID string) (Decision, error) {
	return b.Limiter.TryAcquireAll(ctx, b.Rules(orgID, accountID))
}
