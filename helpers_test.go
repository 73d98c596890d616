package aqmon

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

// fixedRandom always returns the same sample
type fixedRandom float64

func (fr fixedRandom) RandU01() float64 {
	return float64(fr)
}

// scriptedRandom returns its samples in order, then repeats the last one
type scriptedRandom struct {
	samples []float64
	drawn   int
}

func (sr *scriptedRandom) RandU01() float64 {
	idx := sr.drawn
	if idx >= len(sr.samples) {
		idx = len(sr.samples) - 1
	}
	sr.drawn += 1
	return sr.samples[idx]
}

// testKey returns the key of the n-th test flow
func testKey(n int) FlowKey {
	return FlowKey{
		SrcAddr:  netip.MustParseAddr("10.0.0.1"),
		DstAddr:  netip.MustParseAddr("10.0.1.1"),
		Protocol: ProtoUDP,
		SrcPort:  uint16(5000 + n),
		DstPort:  6000,
	}
}

func testPacket(uid uint64, n int, size int) Packet {
	return Packet{UID: uid, Flow: testKey(n), SizeBytes: size}
}

// newTestContext returns a context on a fresh calendar with tracing switched on
func newTestContext() (*SimulationContext, *Calendar) {
	cal := NewCalendar()
	return NewSimulationContext(cal, nil, CreateTraceManager("test", true)), cal
}

func scenarioARedConfig() RedConfig {
	return RedConfig{MinTh: 5, MaxTh: 15, QueueWeight: 0.002, MaxP: 0.02, QueueLimit: 25}
}

func newTestRedQueue(t *testing.T, ctx *SimulationContext, cfg RedConfig, rng RandomSource) *RedQueue {
	t.Helper()
	rq, err := NewRedQueue(ctx, "red", cfg, rng)
	require.NoError(t, err)
	return rq
}

// primeQueue fills the queue with occ one-unit packets and sets the average,
// as if the queue had been busy for a long time
func primeQueue(rq *RedQueue, occ int, avg float64) {
	for idx := 0; idx < occ; idx++ {
		rq.q = append(rq.q, testPacket(uint64(1000000+idx), 99, 1))
	}
	rq.state.occupancy = occ
	rq.state.avgQueueSize = avg
	rq.state.idle = false
	rq.state.count = 0
}
