package model

import "time"

// DiscountKind enumerates the economic shape of a voucher code.
type DiscountKind string

const (
	DiscountPercentage DiscountKind = "percentage"
	DiscountFixed      DiscountKind = "fixed"
)

// VoucherCode is a redeemable code with a usage cap and optional
// eligibility window/restriction set. Invariant V1: 0 <= UsageCount <= UsageLimit.
type VoucherCode struct {
	ID            string       `json:"id"`
	Code          string       `json:"code"`
	Active        bool         `json:"active"`
	UsageLimit    int          `json:"usage_limit"`
	UsageCount    int          `json:"usage_count"`
	ValidFrom     *time.Time   `json:"valid_from,omitempty"`
	ExpiresAt     *time.Time   `json:"expires_at,omitempty"`
	AllowedUsers  []string     `json:"allowed_users,omitempty"`
	DiscountKind  DiscountKind `json:"discount_kind"`
	DiscountValue float64      `json:"discount_value"`
	IsUsed        bool         `json:"is_used"`
	UsedBy        *string      `json:"used_by,omitempty"`
	UsedAt        *time.Time   `json:"used_at,omitempty"`
	CreatedAt     time.Time    `json:"-"`
}

// IneligibleReason names why a code failed invariant V2 for a user at time t.
type IneligibleReason string

const (
	ReasonInactive       IneligibleReason = "inactive"
	ReasonExhausted      IneligibleReason = "usage-limit-reached"
	ReasonNotYetValid    IneligibleReason = "not-yet-valid"
	ReasonExpired        IneligibleReason = "expired"
	ReasonNotAllowed     IneligibleReason = "user-not-allowed"
	ReasonAlreadyClaimed IneligibleReason = "already-claimed"
)

// Eligible implements invariant V2: active, under cap, within the validity
// window, and (if restricted) the user is in the allow-list.
func (v *VoucherCode) Eligible(userID string, at time.Time) (bool, IneligibleReason) {
	if !v.Active {
		return false, ReasonInactive
	}
	if v.UsageCount >= v.UsageLimit {
		return false, ReasonExhausted
	}
	if v.ValidFrom != nil && at.Before(*v.ValidFrom) {
		return false, ReasonNotYetValid
	}
	if v.ExpiresAt != nil && !at.Before(*v.ExpiresAt) {
		return false, ReasonExpired
	}
	if len(v.AllowedUsers) > 0 && !containsUser(v.AllowedUsers, userID) {
		return false, ReasonNotAllowed
	}
	return true, ""
}

func containsUser(users []string, id string) bool {
	for _, u := range users {
		if u == id {
			return true
		}
	}
	return false
}
