package reputation

import (
	"math"
	"time"

	"github.com/moltworks/agent-directory/internal/models"
)

// halfLifeDays controls the exponential time decay: a record's contribution
// halves every 90 days.
const halfLifeDays = 90.0

// confidenceSaturation is the ledger size at which confidence reaches 1.
const confidenceSaturation = 10.0

// Verification multipliers stack: payment and policy verification are
// independent, so a record carrying both weighs 1.5 * 1.25 = 1.875.
const (
	paymentMultiplier = 1.5
	policyMultiplier  = 1.25
)

// Score computes a reputation summary from an agent's full feedback ledger.
// It is pure and order-insensitive: identical ledger contents always yield an
// identical summary. An empty ledger is a defined terminal state (nil score,
// zero confidence), not an error.
func Score(feedback []models.FeedbackRecord, now time.Time) models.ReputationSummary {
	summary := models.ReputationSummary{TotalTransactions: len(feedback)}
	if len(feedback) == 0 {
		return summary
	}

	nowMs := now.UnixMilli()
	var weightedSum, totalWeight float64
	successes := 0

	for _, rec := range feedback {
		// Fractional days; a future-dated record yields a weight above 1,
		// which is accepted as-is.
		ageDays := float64(nowMs-rec.Timestamp) / float64(24*time.Hour/time.Millisecond)
		timeWeight := math.Exp(-math.Ln2 * ageDays / halfLifeDays)

		if rec.Rating == models.RatingSuccess {
			successes++
		}

		weight := timeWeight * tierMultiplier(rec, &summary.VerificationBreakdown)
		weightedSum += ratingValue(rec.Rating) * weight
		totalWeight += weight
	}

	if totalWeight > 0 {
		score := round2(weightedSum / totalWeight)
		summary.Score = &score
	}
	summary.Confidence = round2(math.Min(float64(len(feedback))/confidenceSaturation, 1))
	rate := round2(float64(successes) / float64(len(feedback)))
	summary.SuccessRate = &rate
	return summary
}

func ratingValue(r models.Rating) float64 {
	switch r {
	case models.RatingSuccess:
		return 1.0
	case models.RatingPartial:
		return 0.5
	default:
		return 0.0
	}
}

func tierMultiplier(rec models.FeedbackRecord, breakdown *models.VerificationBreakdown) float64 {
	switch {
	case rec.PaymentVerified && rec.PolicyVerified:
		breakdown.FullyVerified++
		return paymentMultiplier * policyMultiplier
	case rec.PaymentVerified:
		breakdown.PaymentVerified++
		return paymentMultiplier
	case rec.PolicyVerified:
		breakdown.PolicyVerified++
		return policyMultiplier
	default:
		breakdown.SelfAttested++
		return 1.0
	}
}

// round2 rounds half away from zero at two decimals.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
