package opgen

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rcstress/internal/client"
	"github.com/yuuki/rcstress/internal/latency"
	"github.com/yuuki/rcstress/internal/verbs"
)

func newTestClient(t *testing.T, qps int) *client.Client {
	t.Helper()
	dev, err := verbs.NewSimDevice("sim-test")
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	pd, err := dev.AllocPD()
	require.NoError(t, err)
	c := client.New(0, dev, pd)
	if qps > 0 {
		require.NoError(t, c.CreateQPs(qps, true))
	}
	return c
}

func TestNewRejectsEmptyMix(t *testing.T) {
	c := newTestClient(t, 1)
	_, err := New(c, latency.NewMeasurement(), nil, Mix{}, 100)
	assert.Error(t, err)
}

func TestNewRejectsNonPositiveRate(t *testing.T) {
	c := newTestClient(t, 1)
	_, err := New(c, latency.NewMeasurement(), nil, DefaultMix, 0)
	assert.Error(t, err)
}

func TestRunRequiresQPs(t *testing.T) {
	c := newTestClient(t, 0)
	g, err := New(c, latency.NewMeasurement(), nil, DefaultMix, 100)
	require.NoError(t, err)
	assert.Error(t, g.Run(1))
}

func TestRunIssuesAndCompletesEveryOp(t *testing.T) {
	c := newTestClient(t, 3)
	m := latency.NewMeasurement()
	m.ConfigureLatencyMeasurements(client.OpWrite)

	g, err := New(c, m, nil, Mix{Write: 1}, 100000)
	require.NoError(t, err)

	const n = 50
	require.NoError(t, g.Run(n))

	assert.Equal(t, n, g.Issued())
	assert.Zero(t, c.PendingOpCount())

	// Round-robin spread across the 3 QPs: posted counters sum to n and
	// every QP saw traffic.
	var posted uint64
	for qpID := uint32(0); qpID < c.NumQPs(); qpID++ {
		qps := c.GetQpState(qpID)
		assert.Equal(t, qps.OpsPosted(), qps.OpsCompleted())
		assert.NotZero(t, qps.OpsPosted())
		posted += qps.OpsPosted()
	}
	assert.Equal(t, uint64(n), posted)

	// Samples made it into the measurement.
	assert.NoError(t, m.CheckLatencies())
}

func TestRunStopsOnPostFailure(t *testing.T) {
	c := newTestClient(t, 1)
	g, err := New(c, latency.NewMeasurement(), nil, Mix{Send: 1}, 100000)
	require.NoError(t, err)

	postErr := errors.New("post queue full")
	g.SetPostFunc(func(c *client.Client, qpID uint32, op client.OpType) error {
		return postErr
	})

	assert.ErrorIs(t, g.Run(10), postErr)
	assert.Zero(t, g.Issued())
}

func TestMixExpansionWeights(t *testing.T) {
	ops := Mix{Write: 2, Read: 1}.expand()
	assert.Len(t, ops, 3)

	writes := 0
	for _, op := range ops {
		if op == client.OpWrite {
			writes++
		}
	}
	assert.Equal(t, 2, writes)
}
