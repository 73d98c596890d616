package aqmon

// flow.go holds the flow classifier and the per-flow statistics table.
// A flow entry is created the first time a packet of the flow is transmitted;
// afterwards receive and loss events only update entries that exist.

import (
	"math"
)

// FlowStats holds the counters kept for one flow.  Times are in seconds.
type FlowStats struct {
	FlowID        int     `json:"flowid" yaml:"flowid"`
	Key           FlowKey `json:"-" yaml:"-"`
	TxPackets     uint64  `json:"txpackets" yaml:"txpackets"`
	RxPackets     uint64  `json:"rxpackets" yaml:"rxpackets"`
	TxBytes       uint64  `json:"txbytes" yaml:"txbytes"`
	RxBytes       uint64  `json:"rxbytes" yaml:"rxbytes"`
	LostPackets   uint64  `json:"lostpackets" yaml:"lostpackets"`
	MarkedPackets uint64  `json:"markedpackets" yaml:"markedpackets"` // received carrying a congestion mark
	DelaySum      float64 `json:"delaysum" yaml:"delaysum"`
	JitterSum     float64 `json:"jittersum" yaml:"jittersum"`
	LastDelay     float64 `json:"lastdelay" yaml:"lastdelay"`
	HasLastDelay  bool    `json:"haslastdelay" yaml:"haslastdelay"`
	TimeFirstTx   float64 `json:"timefirsttx" yaml:"timefirsttx"`
	TimeLastTx    float64 `json:"timelasttx" yaml:"timelasttx"`
	TimeFirstRx   float64 `json:"timefirstrx" yaml:"timefirstrx"`
	TimeLastRx    float64 `json:"timelastrx" yaml:"timelastrx"`
}

// ActiveWindow is the span from the first transmission to the last reception,
// the default observation window for throughput
func (fs *FlowStats) ActiveWindow() float64 {
	if fs.RxPackets == 0 {
		return 0.0
	}
	return math.Max(fs.TimeLastRx-fs.TimeFirstTx, 0.0)
}

// Throughput returns the received bits per second over window seconds.
// A non-positive window selects ActiveWindow.
func (fs *FlowStats) Throughput(window float64) float64 {
	if window <= 0 {
		window = fs.ActiveWindow()
	}
	if window <= 0 {
		return 0.0
	}
	return float64(fs.RxBytes) * 8.0 / window
}

// MeanDelay returns the mean one-way delay in seconds, 0 before any reception
func (fs *FlowStats) MeanDelay() float64 {
	if fs.RxPackets == 0 {
		return 0.0
	}
	return fs.DelaySum / float64(fs.RxPackets)
}

// MeanJitter returns the mean absolute difference between consecutive delays
func (fs *FlowStats) MeanJitter() float64 {
	return fs.JitterSum / math.Max(float64(fs.RxPackets)-1.0, 1.0)
}

// PDR returns the fraction of transmitted packets that were received
func (fs *FlowStats) PDR() float64 {
	if fs.TxPackets == 0 {
		return 0.0
	}
	return float64(fs.RxPackets) / float64(fs.TxPackets)
}

// FlowRecord is the per-flow view handed to reporting layers
type FlowRecord struct {
	FlowID         int     `json:"flowid" yaml:"flowid"`
	Flow           string  `json:"flow" yaml:"flow"`
	Key            FlowKey `json:"-" yaml:"-"`
	TxPackets      uint64  `json:"txpackets" yaml:"txpackets"`
	RxPackets      uint64  `json:"rxpackets" yaml:"rxpackets"`
	TxBytes        uint64  `json:"txbytes" yaml:"txbytes"`
	RxBytes        uint64  `json:"rxbytes" yaml:"rxbytes"`
	LostPackets    uint64  `json:"lostpackets" yaml:"lostpackets"`
	MarkedPackets  uint64  `json:"markedpackets" yaml:"markedpackets"`
	ThroughputMbps float64 `json:"throughputmbps" yaml:"throughputmbps"`
	MeanDelayMs    float64 `json:"meandelayms" yaml:"meandelayms"`
	MeanJitterMs   float64 `json:"meanjitterms" yaml:"meanjitterms"`
	PdrPercent     float64 `json:"pdrpercent" yaml:"pdrpercent"`
}

// Record converts the counters into the reporting units
func (fs *FlowStats) Record(window float64) FlowRecord {
	return FlowRecord{
		FlowID:         fs.FlowID,
		Flow:           fs.Key.String(),
		Key:            fs.Key,
		TxPackets:      fs.TxPackets,
		RxPackets:      fs.RxPackets,
		TxBytes:        fs.TxBytes,
		RxBytes:        fs.RxBytes,
		LostPackets:    fs.LostPackets,
		MarkedPackets:  fs.MarkedPackets,
		ThroughputMbps: fs.Throughput(window) / 1e6,
		MeanDelayMs:    fs.MeanDelay() * 1e3,
		MeanJitterMs:   fs.MeanJitter() * 1e3,
		PdrPercent:     fs.PDR() * 100.0,
	}
}

// FlowTable is what the reporter reads: every flow's counters, in a stable order
type FlowTable interface {
	Flows() []FlowStats
}

// FlowMonitor classifies packets into flows and keeps their statistics
type FlowMonitor struct {
	ctx     *SimulationContext
	byKey   map[FlowKey]*FlowStats
	order   []FlowKey // classification order; flow ids follow it
	unknown uint64    // receive/loss events for flows never transmitted
}

// NewFlowMonitor is a constructor
func NewFlowMonitor(ctx *SimulationContext) *FlowMonitor {
	fm := new(FlowMonitor)
	fm.ctx = ctx
	fm.byKey = make(map[FlowKey]*FlowStats)
	fm.order = make([]FlowKey, 0)
	return fm
}

// classify returns the entry for key, creating it on first sight
func (fm *FlowMonitor) classify(key FlowKey) (*FlowStats, bool) {
	fs, present := fm.byKey[key]
	if present {
		return fs, false
	}
	fs = new(FlowStats)
	fs.Key = key
	fs.FlowID = len(fm.order) + 1
	fm.byKey[key] = fs
	fm.order = append(fm.order, key)
	fm.ctx.Trace.AddName(fs.FlowID, key.String(), "flow")
	return fs, true
}

// lookup returns the entry for a receive or loss event, warning when there is none
func (fm *FlowMonitor) lookup(p Packet, event string) (*FlowStats, bool) {
	fs, present := fm.byKey[p.Flow]
	if !present {
		fm.unknown += 1
		fm.ctx.Log.Warn("flow event before transmit", "event", event, "flow", p.Flow.String(),
			"uid", p.UID, "err", ErrUnknownFlow)
		return nil, false
	}
	return fs, true
}

// OnTransmit records a packet leaving its source
func (fm *FlowMonitor) OnTransmit(p Packet, now float64) {
	fs, created := fm.classify(p.Flow)
	if created {
		fs.TimeFirstTx = now
	}
	fs.TxPackets += 1
	fs.TxBytes += uint64(p.SizeBytes)
	fs.TimeLastTx = now
}

// OnReceive records the delivery of a packet the queue accepted and the link carried
func (fm *FlowMonitor) OnReceive(p Packet, now float64) {
	fs, present := fm.lookup(p, "receive")
	if !present {
		return
	}
	if fs.RxPackets == 0 {
		fs.TimeFirstRx = now
	}
	fs.RxPackets += 1
	fs.RxBytes += uint64(p.SizeBytes)
	if p.Marked {
		fs.MarkedPackets += 1
	}

	delay := now - p.SendTime
	fs.DelaySum += delay
	if fs.HasLastDelay {
		fs.JitterSum += math.Abs(delay - fs.LastDelay)
	}
	fs.LastDelay = delay
	fs.HasLastDelay = true
	fs.TimeLastRx = now

	fm.ctx.Trace.AddQueueTrace(now, "monitor", "rx", &p, 0, 0, "")
}

// OnLoss records a packet dropped by the queue or lost by the link
func (fm *FlowMonitor) OnLoss(p Packet, now float64) {
	fs, present := fm.lookup(p, "loss")
	if !present {
		return
	}
	fs.LostPackets += 1
	fm.ctx.Trace.AddQueueTrace(now, "monitor", "loss", &p, 0, 0, "")
}

// Get returns a copy of the flow's statistics
func (fm *FlowMonitor) Get(key FlowKey) (FlowStats, bool) {
	fs, present := fm.byKey[key]
	if !present {
		return FlowStats{}, false
	}
	return *fs, true
}

// Flows returns copies of every flow's statistics in flow-id order
func (fm *FlowMonitor) Flows() []FlowStats {
	flows := make([]FlowStats, 0, len(fm.order))
	for _, key := range fm.order {
		flows = append(flows, *fm.byKey[key])
	}
	return flows
}

// Len returns the number of flows classified so far
func (fm *FlowMonitor) Len() int {
	return len(fm.order)
}

// UnknownFlowEvents counts receive and loss events that named no known flow
func (fm *FlowMonitor) UnknownFlowEvents() uint64 {
	return fm.unknown
}

// Records converts every flow into its reporting record
func (fm *FlowMonitor) Records(window float64) []FlowRecord {
	records := make([]FlowRecord, 0, len(fm.order))
	for _, key := range fm.order {
		records = append(records, fm.byKey[key].Record(window))
	}
	return records
}
