package license

import "time"

// Unlimited is the UsageLimit sentinel for keys without a quota.
const Unlimited = -1

// KeyRecord is the persisted state of one issued key.
//
// Key, EntitlementClass, UsageLimit and CreatedAt never change after issuance.
// UsageCount only grows, one unit per committed metered action.
type KeyRecord struct {
	Key              string    `json:"key"`
	EntitlementClass string    `json:"entitlement_class"`
	UsageCount       int       `json:"usage_count"`
	UsageLimit       int       `json:"usage_limit"`
	CreatedAt        time.Time `json:"created_at"`
}

// Unlimited reports whether the record carries no quota.
func (r KeyRecord) Unlimited() bool {
	return r.UsageLimit == Unlimited
}

// Remaining returns max(0, UsageLimit-UsageCount), or Unlimited for keys
// without a quota.
func (r KeyRecord) Remaining() int {
	if r.Unlimited() {
		return Unlimited
	}
	if left := r.UsageLimit - r.UsageCount; left > 0 {
		return left
	}
	return 0
}

// HasQuota reports whether at least one more metered action is allowed.
func (r KeyRecord) HasQuota() bool {
	return r.Unlimited() || r.Remaining() > 0
}
