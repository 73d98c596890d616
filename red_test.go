package aqmon

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

// Each step of a growing queue: the average it has reached, what happens to an
// arrival that loses the coin toss, and what happens to one that wins it
func TestRedDecisionsAsAverageGrows(t *testing.T) {
	steps := []struct {
		avg      float64
		occ      int
		lowDraw  Decision // random sample 0
		highDraw Decision // random sample just below 1
		reason   string
	}{
		{avg: 2, occ: 2, lowDraw: Accept, highDraw: Accept},
		{avg: 6, occ: 6, lowDraw: Drop, highDraw: Accept, reason: reasonUnforced},
		{avg: 10, occ: 10, lowDraw: Drop, highDraw: Accept, reason: reasonUnforced},
		{avg: 14, occ: 14, lowDraw: Drop, highDraw: Accept, reason: reasonUnforced},
		{avg: 16, occ: 16, lowDraw: Drop, highDraw: Drop, reason: reasonForced},
		{avg: 26, occ: 25, lowDraw: Drop, highDraw: Drop, reason: reasonQueueLimit},
	}

	for _, step := range steps {
		for _, draw := range []float64{0.0, 0.999999} {
			ctx, _ := newTestContext()
			rq := newTestRedQueue(t, ctx, scenarioARedConfig(), fixedRandom(draw))
			primeQueue(rq, step.occ, step.avg)

			want := step.highDraw
			if draw == 0.0 {
				want = step.lowDraw
			}
			got := rq.Enqueue(testPacket(1, 1, 1000))
			assert.Equal(t, want, got, "avg %g draw %g", step.avg, draw)

			if got == Drop {
				drops := ctx.Trace.Traces[len(ctx.Trace.Traces)-1]
				assert.Equal(t, "drop", drops.Op)
				assert.Equal(t, step.reason, drops.Reason, "avg %g", step.avg)
			}
		}
	}
}

func TestRedNoDropsBelowMinTh(t *testing.T) {
	ctx, _ := newTestContext()
	rq := newTestRedQueue(t, ctx, scenarioARedConfig(), fixedRandom(0.0))

	for idx := 0; idx < 20; idx++ {
		assert.Equal(t, Accept, rq.Enqueue(testPacket(uint64(idx), 1, 1000)))
	}
	stats := rq.Stats()
	assert.Equal(t, uint64(20), stats.Enqueued)
	assert.Equal(t, uint64(0), stats.TotalDroppedPackets)
	assert.Equal(t, 20, rq.Len())
	assert.Less(t, rq.AvgQueueSize(), 5.0)
}

func TestRedForcedRegion(t *testing.T) {
	t.Run("drops without ecn", func(t *testing.T) {
		ctx, _ := newTestContext()
		cfg := scenarioARedConfig()
		rq := newTestRedQueue(t, ctx, cfg, fixedRandom(0.999999))
		primeQueue(rq, 16, 16)

		for idx := 0; idx < 5; idx++ {
			p := testPacket(uint64(idx), 1, 1000)
			p.ECNCapable = true
			assert.Equal(t, Drop, rq.Enqueue(p))
		}
		stats := rq.Stats()
		assert.Equal(t, uint64(5), stats.ForcedDrops)
		assert.Equal(t, uint64(5), stats.TotalDroppedPackets)
		assert.Equal(t, uint64(5000), stats.TotalDroppedBytes)
		assert.Equal(t, 16, rq.Len())
	})

	t.Run("marks ecn capable packets", func(t *testing.T) {
		ctx, _ := newTestContext()
		cfg := scenarioARedConfig()
		cfg.ECN = true
		rq := newTestRedQueue(t, ctx, cfg, fixedRandom(0.999999))
		primeQueue(rq, 16, 16)

		p := testPacket(7, 1, 1000)
		p.ECNCapable = true
		assert.Equal(t, Mark, rq.Enqueue(p))
		require.Equal(t, 17, rq.Len())
		assert.True(t, rq.q[16].Marked)
		assert.Equal(t, uint64(7), rq.q[16].UID)

		// a packet that cannot carry the mark is dropped instead
		assert.Equal(t, Drop, rq.Enqueue(testPacket(8, 1, 1000)))

		stats := rq.Stats()
		assert.Equal(t, uint64(1), stats.ForcedMarks)
		assert.Equal(t, uint64(1), stats.TotalMarkedPackets)
		assert.Equal(t, uint64(1), stats.ForcedDrops)
		assert.Equal(t, 1, ctx.Trace.Count("mark"))
	})
}

func TestRedGentle(t *testing.T) {
	cfg := scenarioARedConfig()
	cfg.Gentle = true
	cfg.QueueLimit = 40

	// at avg 20 the probability is maxP + (1-maxP)*(20-15)/15
	pb := 0.02 + 0.98*5.0/15.0

	ctx, _ := newTestContext()
	rq := newTestRedQueue(t, ctx, cfg, fixedRandom(pb-0.01))
	primeQueue(rq, 20, 20)
	assert.Equal(t, Drop, rq.Enqueue(testPacket(1, 1, 1000)))
	assert.Equal(t, uint64(1), rq.Stats().UnforcedDrops)

	ctx, _ = newTestContext()
	rq = newTestRedQueue(t, ctx, cfg, fixedRandom(pb+0.01))
	primeQueue(rq, 20, 20)
	assert.Equal(t, Accept, rq.Enqueue(testPacket(1, 1, 1000)))

	// beyond twice maxTh the drop is forced even in gentle mode
	ctx, _ = newTestContext()
	rq = newTestRedQueue(t, ctx, cfg, fixedRandom(0.999999))
	primeQueue(rq, 31, 31)
	assert.Equal(t, Drop, rq.Enqueue(testPacket(1, 1, 1000)))
	assert.Equal(t, uint64(1), rq.Stats().ForcedDrops)
}

func TestRedIdleDecay(t *testing.T) {
	ctx, cal := newTestContext()
	cfg := scenarioARedConfig()
	cfg.MeanPktSize = 1000
	cfg.LinkBandwidth = 8e6 // 1000 mean-sized packets per second
	rq := newTestRedQueue(t, ctx, cfg, fixedRandom(0.999999))

	rq.state.avgQueueSize = 10
	cal.Run(1.0)

	assert.Equal(t, Accept, rq.Enqueue(testPacket(1, 1, 1000)))
	assert.InDelta(t, 10*math.Pow(1-0.002, 1000), rq.AvgQueueSize(), 1e-9)

	// the queue is busy again, so the next arrival folds in the occupancy
	prev := rq.AvgQueueSize()
	rq.Enqueue(testPacket(2, 1, 1000))
	assert.InDelta(t, prev*(1-0.002)+1*0.002, rq.AvgQueueSize(), 1e-12)
}

func TestRedIdleStartsWhenLinkHasNothingToSend(t *testing.T) {
	ctx, cal := newTestContext()
	rq := newTestRedQueue(t, ctx, scenarioARedConfig(), fixedRandom(0.5))

	_, ok := rq.Dequeue()
	assert.False(t, ok)

	rq.Enqueue(testPacket(1, 1, 1000))
	rq.Enqueue(testPacket(2, 1, 1000))
	assert.False(t, rq.state.idle)

	// not idle while packets wait
	rq.StartIdle()
	assert.False(t, rq.state.idle)

	p, ok := rq.Dequeue()
	require.True(t, ok)
	assert.Equal(t, uint64(1), p.UID)

	// draining the queue leaves the link busy with the last packet
	cal.Run(0.25)
	p, ok = rq.Dequeue()
	require.True(t, ok)
	assert.Equal(t, uint64(2), p.UID)
	assert.False(t, rq.state.idle)
	assert.Equal(t, 0, rq.Occupancy())

	cal.Run(0.5)
	rq.StartIdle()
	assert.True(t, rq.state.idle)
	assert.Equal(t, 0.5, rq.state.idleSince)

	// a second call keeps the first start
	cal.Run(0.75)
	rq.StartIdle()
	assert.Equal(t, 0.5, rq.state.idleSince)
}

// Random arrivals, departures and idle gaps in both modes: the average never
// leaves [0, QueueLimit] and the occupancy never passes the limit
func TestRedBoundsUnderRandomTraffic(t *testing.T) {
	configs := map[string]RedConfig{
		"packets": {MinTh: 5, MaxTh: 15, QueueWeight: 0.2, MaxP: 0.1, QueueLimit: 25,
			MeanPktSize: 1000, LinkBandwidth: 8e6},
		"bytes": {MinTh: 5000, MaxTh: 15000, QueueWeight: 0.2, MaxP: 0.1, QueueLimit: 25000, Mode: Bytes,
			ECN: true, Gentle: true, MeanPktSize: 1000, LinkBandwidth: 8e6},
	}
	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			ctx, cal := newTestContext()
			rq := newTestRedQueue(t, ctx, cfg, NewRandomSource(11, "red/"+name))
			rng := rand.New(rand.NewSource(29))

			limit := float64(cfg.QueueLimit)
			now := 0.0
			for step := 0; step < 5000; step++ {
				switch op := rng.Intn(10); {
				case op < 6:
					p := testPacket(uint64(step), 1+rng.Intn(4), 40+rng.Intn(1461))
					p.ECNCapable = rng.Intn(2) == 0
					rq.Enqueue(p)
				case op < 9:
					if _, ok := rq.Dequeue(); !ok {
						rq.StartIdle()
					}
				default:
					now += rng.Float64() * 0.02
					cal.Run(now)
					if rq.Len() == 0 {
						rq.StartIdle()
					}
				}
				require.GreaterOrEqual(t, rq.AvgQueueSize(), 0.0, "step %d", step)
				require.LessOrEqual(t, rq.AvgQueueSize(), limit, "step %d", step)
				require.LessOrEqual(t, rq.Occupancy(), cfg.QueueLimit, "step %d", step)
			}
			stats := rq.Stats()
			assert.Positive(t, stats.Enqueued)
			assert.Positive(t, stats.TotalDroppedPackets)
		})
	}
}

func TestRedByteMode(t *testing.T) {
	ctx, _ := newTestContext()
	cfg := RedConfig{MinTh: 1000, MaxTh: 2000, QueueWeight: 0.002, MaxP: 0.1, QueueLimit: 3000, Mode: Bytes}
	rq := newTestRedQueue(t, ctx, cfg, fixedRandom(0.0))

	assert.Equal(t, Accept, rq.Enqueue(testPacket(1, 1, 1500)))
	assert.Equal(t, Accept, rq.Enqueue(testPacket(2, 1, 1500)))
	assert.Equal(t, 3000, rq.Occupancy())

	assert.Equal(t, Drop, rq.Enqueue(testPacket(3, 1, 1)))
	assert.Equal(t, uint64(1), rq.Stats().QueueLimitDrops)

	rq.Dequeue()
	assert.Equal(t, 1500, rq.Occupancy())
}

func TestRedFlush(t *testing.T) {
	ctx, _ := newTestContext()
	rq := newTestRedQueue(t, ctx, scenarioARedConfig(), fixedRandom(0.5))
	for idx := 1; idx <= 3; idx++ {
		rq.Enqueue(testPacket(uint64(idx), 1, 1000))
	}
	flushed := rq.Flush()
	require.Len(t, flushed, 3)
	assert.Equal(t, uint64(1), flushed[0].UID)
	assert.Equal(t, uint64(3), flushed[2].UID)
	assert.Equal(t, 0, rq.Len())
	assert.Equal(t, 0, rq.Occupancy())
	assert.Equal(t, uint64(0), rq.Stats().TotalDroppedPackets)
}

func TestRedInvalidConfig(t *testing.T) {
	base := scenarioARedConfig()
	cases := map[string]func(cfg *RedConfig){
		"negative minth":     func(cfg *RedConfig) { cfg.MinTh = -1 },
		"minth above maxth":  func(cfg *RedConfig) { cfg.MinTh = 20 },
		"minth equals maxth": func(cfg *RedConfig) { cfg.MinTh = 15 },
		"zero weight":        func(cfg *RedConfig) { cfg.QueueWeight = 0 },
		"weight of one":      func(cfg *RedConfig) { cfg.QueueWeight = 1 },
		"zero maxp":          func(cfg *RedConfig) { cfg.MaxP = 0 },
		"maxp above one":     func(cfg *RedConfig) { cfg.MaxP = 1.5 },
		"zero limit":         func(cfg *RedConfig) { cfg.QueueLimit = 0 },
		"maxth above limit":  func(cfg *RedConfig) { cfg.QueueLimit = 10 },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		ctx, _ := newTestContext()
		_, err := NewRedQueue(ctx, "red", cfg, fixedRandom(0.5))
		assert.True(t, errors.Is(err, ErrInvalidConfiguration), name)
	}

	ctx, _ := newTestContext()
	rq, err := NewRedQueue(ctx, "red", base, fixedRandom(0.5))
	require.NoError(t, err)
	assert.Equal(t, defaultMeanPktSize, rq.Config().MeanPktSize)
}

// With the average held at 10 the base probability is 0.01; spacing the early
// drops evenly never lets more than 1/pb arrivals through in a row
func TestRedEarlyDropRate(t *testing.T) {
	ctx, _ := newTestContext()
	rq := newTestRedQueue(t, ctx, scenarioARedConfig(), NewRandomSource(17, "red-rate"))
	primeQueue(rq, 10, 10)

	const arrivals = 20000
	drops := 0
	run, longestRun := 0, 0
	for idx := 0; idx < arrivals; idx++ {
		if rq.Enqueue(testPacket(uint64(idx), 1, 1000)) == Drop {
			drops += 1
			run = 0
			continue
		}
		run += 1
		longestRun = max(longestRun, run)
		rq.Dequeue()
	}

	rate := float64(drops) / arrivals
	assert.Greater(t, rate, 0.008)
	assert.Less(t, rate, 0.025)
	assert.LessOrEqual(t, longestRun, 100)
	assert.Equal(t, uint64(drops), rq.Stats().UnforcedDrops)
}

func TestSpacedProbability(t *testing.T) {
	assert.InDelta(t, 0.01, spacedProbability(0.01, 0), 1e-12)
	assert.InDelta(t, 0.02, spacedProbability(0.01, 50), 1e-12)
	assert.Equal(t, 1.0, spacedProbability(0.01, 100))
	assert.Equal(t, 1.0, spacedProbability(0.01, 150))
}

func TestRedScriptedDraws(t *testing.T) {
	ctx, _ := newTestContext()
	rng := &scriptedRandom{samples: []float64{0.9, 0.9, 0.0, 0.9}}
	rq := newTestRedQueue(t, ctx, scenarioARedConfig(), rng)
	primeQueue(rq, 10, 10)

	decisions := make([]Decision, 0)
	for idx := 0; idx < 4; idx++ {
		decisions = append(decisions, rq.Enqueue(testPacket(uint64(idx), 1, 1000)))
		rq.Dequeue()
	}
	assert.Equal(t, []Decision{Accept, Accept, Drop, Accept}, decisions)
	assert.Equal(t, 4, rng.drawn)
	assert.Equal(t, 1, rq.state.count)
}
