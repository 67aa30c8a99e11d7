package entitlement

import "time"

// PeriodKey derives the stable period component of a guard key from the
// billing period end carried by the event, never from wall-clock time.
func PeriodKey(periodEnd time.Time) string {
	return periodEnd.UTC().Format("2006-01")
}

// GuardKey returns the quota guard key for a period and tier
func GuardKey(periodKey, tier string) string {
	return periodKey + "_" + normalizeKey(tier)
}

// QuotaGuard prevents a second monthly grant for the same billing period and tier
type QuotaGuard struct{}

// Granted reports whether the key was already granted on the account
func (QuotaGuard) Granted(acct *Account, key string) bool {
	return acct.QuotaGuard != nil && acct.QuotaGuard[key]
}

// Mark records the key on the account. The caller persists it in the same
// write as the quota grant.
func (QuotaGuard) Mark(acct *Account, key string) {
	if acct.QuotaGuard == nil {
		acct.QuotaGuard = make(map[string]bool)
	}
	acct.QuotaGuard[key] = true
}
