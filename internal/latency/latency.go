// Package latency aggregates per-operation latency distributions collected
// from test clients and checks them against configured ceilings.
package latency

import (
	"fmt"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/rs/zerolog/log"

	"github.com/yuuki/rcstress/internal/client"
)

const (
	// Histogram range: 1us to 1 minute, 3 significant digits.
	histMinNS = int64(time.Microsecond)
	histMaxNS = int64(time.Minute)
	histSig   = 3
)

// Ceilings are the latency bounds enforced by CheckLatencies. Zero values
// disable the corresponding check.
type Ceilings struct {
	P50 time.Duration
	P99 time.Duration
}

// Measurement aggregates latency samples into per-op-type HDR histograms.
// Not safe for concurrent use; the harness forwards calls synchronously and
// in order.
type Measurement struct {
	measuredOp client.OpType
	ceilings   Ceilings
	hists      map[client.OpType]*hdrhistogram.Histogram
}

// NewMeasurement returns an empty measurement.
func NewMeasurement() *Measurement {
	return &Measurement{hists: make(map[client.OpType]*hdrhistogram.Histogram)}
}

// ConfigureLatencyMeasurements selects the operation type whose distribution
// CheckLatencies will assert on.
func (m *Measurement) ConfigureLatencyMeasurements(op client.OpType) {
	m.measuredOp = op
	log.Info().Str("op_type", string(op)).Msg("Configured latency measurements")
}

// SetCeilings arms the percentile bounds for CheckLatencies.
func (m *Measurement) SetCeilings(c Ceilings) { m.ceilings = c }

// Record adds one latency sample for the given operation type.
func (m *Measurement) Record(op client.OpType, d time.Duration) {
	h, ok := m.hists[op]
	if !ok {
		h = hdrhistogram.New(histMinNS, histMaxNS, histSig)
		m.hists[op] = h
	}
	if err := h.RecordValue(int64(d)); err != nil {
		log.Warn().Str("op_type", string(op)).Dur("latency", d).Err(err).Msg("Latency sample out of histogram range")
	}
}

// CollectClientLatencyStats folds the client's accumulated samples into the
// histograms and logs a per-op summary.
func (m *Measurement) CollectClientLatencyStats(c *client.Client) {
	for op, samples := range c.DrainLatencySamples() {
		for _, d := range samples {
			m.Record(op, d)
		}
		h := m.hists[op]
		log.Info().
			Int("client_id", c.ClientID()).
			Str("op_type", string(op)).
			Int("samples", len(samples)).
			Dur("p50", time.Duration(h.ValueAtQuantile(50))).
			Dur("p99", time.Duration(h.ValueAtQuantile(99))).
			Dur("max", time.Duration(h.Max())).
			Msg("Collected client latency stats")
	}
}

// CheckLatencies verifies the measured operation's distribution against the
// armed ceilings. With no configured operation or no ceilings it only logs.
func (m *Measurement) CheckLatencies() error {
	if m.measuredOp == "" {
		log.Debug().Msg("No operation configured for latency checks")
		return nil
	}
	h, ok := m.hists[m.measuredOp]
	if !ok || h.TotalCount() == 0 {
		return fmt.Errorf("no latency samples collected for op type %s", m.measuredOp)
	}

	p50 := time.Duration(h.ValueAtQuantile(50))
	p99 := time.Duration(h.ValueAtQuantile(99))
	log.Info().
		Str("op_type", string(m.measuredOp)).
		Int64("samples", h.TotalCount()).
		Dur("p50", p50).
		Dur("p99", p99).
		Msg("Latency check")

	if m.ceilings.P50 > 0 && p50 > m.ceilings.P50 {
		return fmt.Errorf("%s p50 latency %v exceeds ceiling %v", m.measuredOp, p50, m.ceilings.P50)
	}
	if m.ceilings.P99 > 0 && p99 > m.ceilings.P99 {
		return fmt.Errorf("%s p99 latency %v exceeds ceiling %v", m.measuredOp, p99, m.ceilings.P99)
	}
	return nil
}
