// Package costs provides cost estimation for API usage.
package costs

import (
	"os"
	"strconv"
)

// Pricing constants (in cents per unit for precision).
// These are based on 2026 market rates and can be overridden via environment variables.
var (
	// TwilioVoiceCentsPerMinute is the cost per minute for Twilio voice calls.
	// Default: $0.014/min = 1.4 cents/min
	TwilioVoiceCentsPerMinute = getEnvFloat("COST_TWILIO_VOICE_CENTS_PER_MIN", 1.4)

	// RealtimeInputCentsPerMinute is the cost per minute of audio sent to the
	// OpenAI Realtime API. Default: $0.06/min = 6 cents/min
	RealtimeInputCentsPerMinute = getEnvFloat("COST_REALTIME_INPUT_CENTS_PER_MIN", 6.0)

	// RealtimeOutputCentsPerMinute is the cost per minute of audio received
	// from the OpenAI Realtime API. Default: $0.24/min = 24 cents/min
	RealtimeOutputCentsPerMinute = getEnvFloat("COST_REALTIME_OUTPUT_CENTS_PER_MIN", 24.0)
)

// CallMetrics contains the raw metrics from a call used for cost estimation.
type CallMetrics struct {
	CallDurationSeconds int // Total call duration (for Twilio billing)
	InputAudioSeconds   int // Audio streamed to the realtime session
	OutputAudioSeconds  int // Audio received from the realtime session
}

// CallCosts contains the estimated costs for a call in cents.
type CallCosts struct {
	TwilioCostCents   int
	RealtimeCostCents int
	TotalCostCents    int
}

// EstimateCallCosts computes the costs for a call based on usage metrics.
// Status callbacks only report call duration, so callers typically feed the
// same duration into all three metrics for an upper-bound estimate.
func EstimateCallCosts(m CallMetrics) CallCosts {
	callMinutes := float64(m.CallDurationSeconds) / 60.0
	inputMinutes := float64(m.InputAudioSeconds) / 60.0
	outputMinutes := float64(m.OutputAudioSeconds) / 60.0

	twilioCents := callMinutes * TwilioVoiceCentsPerMinute
	realtimeCents := inputMinutes*RealtimeInputCentsPerMinute + outputMinutes*RealtimeOutputCentsPerMinute

	// Round to nearest cent (we store as integers)
	costs := CallCosts{
		TwilioCostCents:   roundToInt(twilioCents),
		RealtimeCostCents: roundToInt(realtimeCents),
	}
	costs.TotalCostCents = costs.TwilioCostCents + costs.RealtimeCostCents

	return costs
}

// roundToInt rounds a float to the nearest integer.
func roundToInt(f float64) int {
	if f < 0 {
		return int(f - 0.5)
	}
	return int(f + 0.5)
}

// getEnvFloat returns an environment variable as float64, or the default if not set.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
