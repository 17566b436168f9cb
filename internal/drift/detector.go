package drift

import (
	"math"

	"github.com/Suvan8806/DriftWatch/internal/storage"
)

const zeroVarianceEpsilon = 1e-9

// ZScorePair is the deviation of one sample from the baseline on both
// metrics.
type ZScorePair struct {
	Latency float64
	Payload float64
}

// MaxAbs returns max(|z_latency|, |z_payload|), the value the state machine
// thresholds against.
func (z ZScorePair) MaxAbs() float64 {
	return math.Max(math.Abs(z.Latency), math.Abs(z.Payload))
}

// ZScore computes (x - mean) / stddev. A zero-variance baseline yields 0 for
// values at the mean and an infinite score otherwise, so any departure from a
// perfectly flat series counts as severe.
func ZScore(x, mean, stddev float64) float64 {
	if stddev == 0 {
		if math.Abs(x-mean) <= zeroVarianceEpsilon {
			return 0
		}
		return math.Copysign(math.Inf(1), x-mean)
	}
	return (x - mean) / stddev
}

// Score evaluates a sample against a baseline. Pure; the caller owns all
// state.
func Score(latencyMS, payloadKB float64, b storage.Baseline) ZScorePair {
	return ZScorePair{
		Latency: ZScore(latencyMS, b.MeanLatency, b.StddevLatency),
		Payload: ZScore(payloadKB, b.MeanPayload, b.StddevPayload),
	}
}

// FiniteZ clamps infinite z-scores to the largest encodable float so reason
// metadata, trigger windows, and stored history survive JSON encoding.
func FiniteZ(z float64) float64 {
	if math.IsInf(z, 0) {
		return math.Copysign(math.MaxFloat64, z)
	}
	return z
}
