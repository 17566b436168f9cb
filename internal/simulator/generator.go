package simulator

import (
	"fmt"
	"math"
	"math/rand"
)

// Pattern selects the shape of a synthetic traffic run.
type Pattern string

const (
	// PatternNormal emits steady traffic around the configured base values.
	PatternNormal Pattern = "NORMAL"
	// PatternSpike emits a normal phase, a sustained spike at roughly 3.3x
	// latency, then a recovery phase.
	PatternSpike Pattern = "SPIKE"
	// PatternCreep ramps latency linearly up to double the base over the run.
	PatternCreep Pattern = "CREEP"
)

func ParsePattern(s string) (Pattern, error) {
	switch Pattern(s) {
	case PatternNormal, PatternSpike, PatternCreep:
		return Pattern(s), nil
	}
	return "", fmt.Errorf("unknown pattern %q", s)
}

// Generator yields one latency/payload pair per step for a fixed-length run.
// Deterministic for a given seed.
type Generator struct {
	pattern     Pattern
	rng         *rand.Rand
	baseLatency float64
	basePayload float64
	step        int
	total       int
}

func NewGenerator(pattern Pattern, baseLatency, basePayload float64, total int, seed int64) *Generator {
	return &Generator{
		pattern:     pattern,
		rng:         rand.New(rand.NewSource(seed)),
		baseLatency: baseLatency,
		basePayload: basePayload,
		total:       total,
	}
}

// Next returns the next sample. ok is false once the run is exhausted.
func (g *Generator) Next() (latencyMS, payloadKB float64, ok bool) {
	if g.step >= g.total {
		return 0, 0, false
	}
	progress := float64(g.step) / float64(g.total)
	g.step++

	latency := g.baseLatency
	switch g.pattern {
	case PatternSpike:
		if progress >= 0.4 && progress < 0.7 {
			latency *= 3.3
		}
	case PatternCreep:
		latency *= 1 + progress
	}
	latency += g.rng.NormFloat64() * g.baseLatency * 0.1
	payload := g.basePayload * math.Exp(g.rng.NormFloat64()*0.2)

	return math.Max(latency, 0), math.Max(payload, 0), true
}

// Remaining reports how many samples the run will still produce.
func (g *Generator) Remaining() int {
	return g.total - g.step
}
