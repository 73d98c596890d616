package aqmon

// red.go implements the RED (random early detection) queue discipline that
// guards the transmit side of the bottleneck link.  The discipline keeps an
// exponentially weighted average of the queue occupancy and, once that
// average crosses a lower threshold, drops (or ECN-marks) arriving packets with
// a probability that grows linearly up to an upper threshold.  Above the upper
// threshold every arrival is dropped or marked.  A hard limit on the
// instantaneous occupancy backs all of this up.

import (
	"fmt"
	"math"
)

// QueueMode selects whether occupancy and thresholds are counted in packets or bytes
type QueueMode int

const (
	Packets QueueMode = iota
	Bytes
)

func (qm QueueMode) String() string {
	if qm == Bytes {
		return "bytes"
	}
	return "packets"
}

// queueModeFromStr converts the mode names accepted in scenario files
func queueModeFromStr(mode string) (QueueMode, bool) {
	switch mode {
	case "packets", "Packets", "pckts", "":
		return Packets, true
	case "bytes", "Bytes":
		return Bytes, true
	}
	return Packets, false
}

// defaults used for the idle-period decay when the configuration leaves them out
const (
	defaultMeanPktSize   = 500
	defaultLinkBandwidth = 1.5e6
)

// RedConfig enumerates the recognized options of the queue discipline.
// MinTh, MaxTh and QueueLimit are in the units selected by Mode.
type RedConfig struct {
	MinTh       float64   `json:"minth" yaml:"minth"`
	MaxTh       float64   `json:"maxth" yaml:"maxth"`
	QueueWeight float64   `json:"queueweight" yaml:"queueweight"`
	MaxP        float64   `json:"maxp" yaml:"maxp"`
	QueueLimit  int       `json:"queuelimit" yaml:"queuelimit"`
	Mode        QueueMode `json:"-" yaml:"-"`
	ECN         bool      `json:"ecn" yaml:"ecn"`

	// Gentle replaces the hard drop between MaxTh and 2*MaxTh with a
	// probability ramping from MaxP to 1
	Gentle bool `json:"gentle" yaml:"gentle"`

	// MeanPktSize (bytes) and LinkBandwidth (bits/sec) convert an idle period
	// into the number of packets that could have been sent during it
	MeanPktSize   int     `json:"meanpktsize" yaml:"meanpktsize"`
	LinkBandwidth float64 `json:"linkbandwidth" yaml:"linkbandwidth"`
}

// Validate checks the configuration once, before any packet is seen
func (cfg *RedConfig) Validate() error {
	if cfg.MinTh < 0 {
		return fmt.Errorf("%w: red minth %g is negative", ErrInvalidConfiguration, cfg.MinTh)
	}
	if !(cfg.MinTh < cfg.MaxTh) {
		return fmt.Errorf("%w: red minth %g must be below maxth %g", ErrInvalidConfiguration, cfg.MinTh, cfg.MaxTh)
	}
	if !(cfg.QueueWeight > 0 && cfg.QueueWeight < 1) {
		return fmt.Errorf("%w: red queue weight %g outside (0,1)", ErrInvalidConfiguration, cfg.QueueWeight)
	}
	if !(cfg.MaxP > 0 && cfg.MaxP <= 1) {
		return fmt.Errorf("%w: red maxp %g outside (0,1]", ErrInvalidConfiguration, cfg.MaxP)
	}
	if cfg.QueueLimit <= 0 {
		return fmt.Errorf("%w: red queue limit %d must be positive", ErrInvalidConfiguration, cfg.QueueLimit)
	}
	if cfg.MaxTh > float64(cfg.QueueLimit) {
		return fmt.Errorf("%w: red maxth %g exceeds queue limit %d", ErrInvalidConfiguration, cfg.MaxTh, cfg.QueueLimit)
	}
	if cfg.MeanPktSize < 0 || cfg.LinkBandwidth < 0 {
		return fmt.Errorf("%w: red mean packet size and link bandwidth cannot be negative", ErrInvalidConfiguration)
	}
	return nil
}

// QueueStats is a read-only snapshot of the discipline's counters
type QueueStats struct {
	Enqueued            uint64  `json:"enqueued" yaml:"enqueued"`
	Dequeued            uint64  `json:"dequeued" yaml:"dequeued"`
	TotalDroppedPackets uint64  `json:"droppedpackets" yaml:"droppedpackets"`
	TotalDroppedBytes   uint64  `json:"droppedbytes" yaml:"droppedbytes"`
	TotalMarkedPackets  uint64  `json:"markedpackets" yaml:"markedpackets"`
	TotalMarkedBytes    uint64  `json:"markedbytes" yaml:"markedbytes"`
	UnforcedDrops       uint64  `json:"unforceddrops" yaml:"unforceddrops"`     // probabilistic, between the thresholds
	ForcedDrops         uint64  `json:"forceddrops" yaml:"forceddrops"`         // average at or above maxth
	QueueLimitDrops     uint64  `json:"queuelimitdrops" yaml:"queuelimitdrops"` // instantaneous occupancy at the limit
	UnforcedMarks       uint64  `json:"unforcedmarks" yaml:"unforcedmarks"`
	ForcedMarks         uint64  `json:"forcedmarks" yaml:"forcedmarks"`
	Occupancy           int     `json:"occupancy" yaml:"occupancy"`
	AvgQueueSize        float64 `json:"avgqueuesize" yaml:"avgqueuesize"`
}

// queueState is owned by exactly one RedQueue and changed only by its own methods
type queueState struct {
	occupancy    int     // packets or bytes, per mode
	avgQueueSize float64 // EWMA of occupancy
	idle         bool    // queue drained and link has nothing to send
	idleSince    float64
	count        int // arrivals accepted since the last early drop or mark
}

// the reasons a packet is refused or marked, used in traces
const (
	reasonQueueLimit = "queue-limit"
	reasonForced     = "forced"
	reasonUnforced   = "unforced"
)

// RedQueue is a FIFO queue governed by RED
type RedQueue struct {
	name  string
	cfg   RedConfig
	ctx   *SimulationContext
	rng   RandomSource
	q     []Packet
	state queueState
	stats QueueStats
}

// NewRedQueue is a constructor.  It fails with ErrInvalidConfiguration when the
// thresholds or the weight are out of range.
func NewRedQueue(ctx *SimulationContext, name string, cfg RedConfig, rng RandomSource) (*RedQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MeanPktSize == 0 {
		cfg.MeanPktSize = defaultMeanPktSize
	}
	if cfg.LinkBandwidth == 0 {
		cfg.LinkBandwidth = defaultLinkBandwidth
	}

	rq := new(RedQueue)
	rq.name = name
	rq.cfg = cfg
	rq.ctx = ctx
	rq.rng = rng
	rq.q = make([]Packet, 0)

	// an empty queue at start counts as an idle link
	rq.state.idle = true
	rq.state.idleSince = ctx.Now()
	return rq, nil
}

// Config returns the (defaulted) configuration in use
func (rq *RedQueue) Config() RedConfig {
	return rq.cfg
}

// Len returns the number of packets waiting
func (rq *RedQueue) Len() int {
	return len(rq.q)
}

// Occupancy returns the instantaneous occupancy in the configured units
func (rq *RedQueue) Occupancy() int {
	return rq.state.occupancy
}

// AvgQueueSize returns the current EWMA of the occupancy
func (rq *RedQueue) AvgQueueSize() float64 {
	return rq.state.avgQueueSize
}

// Stats returns a snapshot of the counters
func (rq *RedQueue) Stats() QueueStats {
	stats := rq.stats
	stats.Occupancy = rq.state.occupancy
	stats.AvgQueueSize = rq.state.avgQueueSize
	return stats
}

// units is the amount of occupancy a packet accounts for
func (rq *RedQueue) units(p Packet) int {
	if rq.cfg.Mode == Bytes {
		return p.SizeBytes
	}
	return 1
}

// updateAverage folds the current occupancy into the EWMA.  Coming out of an
// idle period the average instead decays by (1-w)^m, m being the number of
// mean-sized packets the link could have sent while idle.
func (rq *RedQueue) updateAverage(now float64) {
	w := rq.cfg.QueueWeight
	if rq.state.idle {
		idleTime := math.Max(now-rq.state.idleSince, 0.0)
		m := idleTime * rq.cfg.LinkBandwidth / (8.0 * float64(rq.cfg.MeanPktSize))
		rq.state.avgQueueSize *= math.Pow(1.0-w, m)
		rq.state.idle = false
		return
	}
	sample := float64(rq.state.occupancy)
	rq.state.avgQueueSize = rq.state.avgQueueSize*(1.0-w) + sample*w
}

// earlyProbability returns the drop/mark probability before spacing correction
// for an average at or above MinTh.  The bool is false when the average lies
// in the forced region.
func (rq *RedQueue) earlyProbability(avg float64) (float64, bool) {
	cfg := &rq.cfg
	if avg < cfg.MaxTh {
		return cfg.MaxP * (avg - cfg.MinTh) / (cfg.MaxTh - cfg.MinTh), true
	}
	if cfg.Gentle && avg < 2*cfg.MaxTh {
		return cfg.MaxP + (1.0-cfg.MaxP)*(avg-cfg.MaxTh)/cfg.MaxTh, true
	}
	return 1.0, false
}

// spacedProbability spreads early drops out evenly: the longer the run of
// accepted arrivals, the likelier the next early drop
func spacedProbability(pb float64, count int) float64 {
	denom := 1.0 - float64(count)*pb
	if denom <= 0 {
		return 1.0
	}
	return math.Min(math.Max(pb/denom, 0.0), 1.0)
}

// Enqueue decides the fate of an arriving packet.  Accepted and marked packets
// join the tail of the queue; dropped packets are only counted.
func (rq *RedQueue) Enqueue(p Packet) Decision {
	now := rq.ctx.Now()
	units := rq.units(p)

	rq.updateAverage(now)
	avg := rq.state.avgQueueSize

	// the hard limit on what the buffer can hold
	if rq.state.occupancy+units > rq.cfg.QueueLimit {
		rq.state.count = 0
		rq.stats.QueueLimitDrops += 1
		return rq.refuse(now, p, reasonQueueLimit)
	}

	if avg < rq.cfg.MinTh {
		rq.state.count = 0
		return rq.admit(now, p, false, "")
	}

	pb, early := rq.earlyProbability(avg)
	if !early {
		rq.state.count = 0
		return rq.signal(now, p, reasonForced)
	}

	pa := spacedProbability(pb, rq.state.count)
	if rq.rng.RandU01() < pa {
		rq.state.count = 0
		return rq.signal(now, p, reasonUnforced)
	}
	rq.state.count += 1
	return rq.admit(now, p, false, "")
}

// signal delivers a congestion signal: a mark when both sides speak ECN, a drop otherwise
func (rq *RedQueue) signal(now float64, p Packet, reason string) Decision {
	if rq.cfg.ECN && p.ECNCapable {
		if reason == reasonForced {
			rq.stats.ForcedMarks += 1
		} else {
			rq.stats.UnforcedMarks += 1
		}
		return rq.admit(now, p.withMark(), true, reason)
	}
	if reason == reasonForced {
		rq.stats.ForcedDrops += 1
	} else {
		rq.stats.UnforcedDrops += 1
	}
	return rq.refuse(now, p, reason)
}

// admit appends the packet to the queue
func (rq *RedQueue) admit(now float64, p Packet, marked bool, reason string) Decision {
	units := rq.units(p)
	p.EnqueueTime = now
	rq.q = append(rq.q, p)
	rq.state.occupancy += units
	rq.stats.Enqueued += 1

	if marked {
		rq.stats.TotalMarkedPackets += 1
		rq.stats.TotalMarkedBytes += uint64(p.SizeBytes)
		rq.ctx.Trace.AddQueueTrace(now, rq.name, "mark", &p, rq.state.occupancy, rq.state.avgQueueSize, reason)
		return Mark
	}
	rq.ctx.Trace.AddQueueTrace(now, rq.name, "enqueue", &p, rq.state.occupancy, rq.state.avgQueueSize, "")
	return Accept
}

// refuse counts a dropped packet
func (rq *RedQueue) refuse(now float64, p Packet, reason string) Decision {
	rq.stats.TotalDroppedPackets += 1
	rq.stats.TotalDroppedBytes += uint64(p.SizeBytes)
	rq.ctx.Trace.AddQueueTrace(now, rq.name, "drop", &p, rq.state.occupancy, rq.state.avgQueueSize, reason)
	rq.ctx.Log.Debug("red drop", "queue", rq.name, "flow", p.Flow.String(), "uid", p.UID,
		"reason", reason, "avg", rq.state.avgQueueSize, "occupancy", rq.state.occupancy)
	return Drop
}

// Dequeue removes the packet at the head of the queue.  It returns false, and
// changes nothing, when the queue is empty.
func (rq *RedQueue) Dequeue() (Packet, bool) {
	if len(rq.q) == 0 {
		return Packet{}, false
	}
	var p Packet
	p, rq.q[0] = rq.q[0], Packet{}
	rq.q = rq.q[1:]

	rq.state.occupancy -= rq.units(p)
	rq.stats.Dequeued += 1

	now := rq.ctx.Now()
	rq.ctx.Trace.AddQueueTrace(now, rq.name, "dequeue", &p, rq.state.occupancy, rq.state.avgQueueSize, "")
	return p, true
}

// StartIdle tells the queue that the link has nothing left to send.  The
// average decays over the idle period on the next arrival.  It does nothing
// while packets are queued or an idle period is already running.
func (rq *RedQueue) StartIdle() {
	if rq.state.idle || len(rq.q) > 0 {
		return
	}
	rq.state.idle = true
	rq.state.idleSince = rq.ctx.Now()
}

// Flush empties the queue, returning what it held in FIFO order.  The link
// going down uses it; the packets are not counted as queue drops.
func (rq *RedQueue) Flush() []Packet {
	flushed := rq.q
	rq.q = make([]Packet, 0)
	rq.state.occupancy = 0
	if !rq.state.idle {
		rq.state.idle = true
		rq.state.idleSince = rq.ctx.Now()
	}
	return flushed
}
