package engine

import (
	"fmt"
	"strconv"
	"strings"

	"adhesion-flow/internal/flow"
)

// couponSeedOffset is the constant added to the lead id before hex encoding.
// The value is inherited from the original campaign tooling and must not
// change, or previously issued coupons stop resolving.
const couponSeedOffset = 16 + 452

// DeriveReferralCoupon computes the shareable referral coupon for a lead id:
// the literal prefix "10" followed by the uppercase hexadecimal of the
// numeric id plus a fixed offset. The id must be decimal digits.
func DeriveReferralCoupon(leadID string) (string, error) {
	n, err := strconv.ParseInt(leadID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("lead id %q is not numeric: %w", leadID, err)
	}
	return "10" + strings.ToUpper(strconv.FormatInt(n+couponSeedOffset, 16)), nil
}

// ensureReferralCoupon derives and stores the coupon once a lead id exists.
// An already stored coupon is never overwritten, so re-entering the
// completion step is idempotent.
func (e *Engine) ensureReferralCoupon() {
	snap := e.store.Snapshot()
	if snap.FieldString(flow.FieldReferral) != "" {
		return
	}
	leadID := snap.FieldString(flow.FieldContactID)
	if leadID == "" {
		return
	}
	coupon, err := DeriveReferralCoupon(leadID)
	if err != nil {
		e.logger.Warn("Referral coupon derivation skipped", map[string]interface{}{
			"contactId": leadID,
			"error":     err.Error(),
		})
		return
	}
	e.store.MergeFields(map[string]any{flow.FieldReferral: coupon})
}
