package drift

import "github.com/Suvan8806/DriftWatch/internal/storage"

// Params are the detection thresholds for one service's state machine.
type Params struct {
	SevereZ             float64
	SevereConsecutive   int
	ModerateZ           float64
	ModerateWindow      int
	ModerateCount       int
	NormalZ             float64
	RecoveryConsecutive int
}

func DefaultParams() Params {
	return Params{
		SevereZ:             3.0,
		SevereConsecutive:   5,
		ModerateZ:           2.5,
		ModerateWindow:      20,
		ModerateCount:       10,
		NormalZ:             2.0,
		RecoveryConsecutive: 50,
	}
}

// Transition records a state change and the rule that caused it.
type Transition struct {
	From    string
	To      string
	Reason  Reason
	Trigger []ZScorePair
}

// Machine consumes the per-service z-score stream in sample order and tracks
// the consecutive-anomaly counters. Not safe for concurrent use; the ingest
// pipeline serializes per service.
type Machine struct {
	params Params
	state  string

	consecutiveSevere int
	consecutiveNormal int
	severeRunMax      float64

	anomalyRing []bool
	recent      []ZScorePair
}

func NewMachine(params Params, initialState string) *Machine {
	if initialState == "" {
		initialState = storage.StateInsufficientData
	}
	return &Machine{params: params, state: initialState}
}

func (m *Machine) State() string { return m.state }

// ObserveBaseline fires the one-time INSUFFICIENT_DATA -> STABLE transition
// when the first baseline becomes available.
func (m *Machine) ObserveBaseline(sampleCount int) *Transition {
	if m.state != storage.StateInsufficientData {
		return nil
	}
	t := &Transition{
		From:   m.state,
		To:     storage.StateStable,
		Reason: BaselineReady{SampleCount: sampleCount},
	}
	m.state = storage.StateStable
	m.reset()
	return t
}

// Observe feeds one z-score pair through the counter updates and transition
// rules. Returns nil when the state did not change.
func (m *Machine) Observe(z ZScorePair) *Transition {
	maxAbs := z.MaxAbs()

	if maxAbs > m.params.SevereZ {
		m.consecutiveSevere++
		if maxAbs > m.severeRunMax {
			m.severeRunMax = maxAbs
		}
	} else {
		m.consecutiveSevere = 0
		m.severeRunMax = 0
	}

	m.anomalyRing = append(m.anomalyRing, maxAbs > m.params.ModerateZ)
	if len(m.anomalyRing) > m.params.ModerateWindow {
		m.anomalyRing = m.anomalyRing[1:]
	}
	m.recent = append(m.recent, z)
	if len(m.recent) > m.params.ModerateWindow {
		m.recent = m.recent[1:]
	}

	if maxAbs <= m.params.NormalZ {
		m.consecutiveNormal++
	} else {
		m.consecutiveNormal = 0
	}

	switch m.state {
	case storage.StateStable:
		if m.consecutiveSevere >= m.params.SevereConsecutive {
			return m.transition(storage.StateDriftDetected, SevereRun{
				Count: m.consecutiveSevere,
				MaxZ:  m.severeRunMax,
			})
		}
		if n := m.anomalyCount(); n >= m.params.ModerateCount {
			return m.transition(storage.StateDriftDetected, ModerateDensity{
				Count:  n,
				Window: m.params.ModerateWindow,
			})
		}
	case storage.StateDriftDetected:
		if m.consecutiveNormal >= m.params.RecoveryConsecutive {
			return m.transition(storage.StateStable, Recovery{
				Count: m.consecutiveNormal,
			})
		}
	}
	return nil
}

func (m *Machine) anomalyCount() int {
	n := 0
	for _, hit := range m.anomalyRing {
		if hit {
			n++
		}
	}
	return n
}

func (m *Machine) transition(to string, reason Reason) *Transition {
	t := &Transition{
		From:    m.state,
		To:      to,
		Reason:  reason,
		Trigger: append([]ZScorePair(nil), m.recent...),
	}
	m.state = to
	m.reset()
	return t
}

func (m *Machine) reset() {
	m.consecutiveSevere = 0
	m.consecutiveNormal = 0
	m.severeRunMax = 0
	m.anomalyRing = m.anomalyRing[:0]
	m.recent = m.recent[:0]
}
