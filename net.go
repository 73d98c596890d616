package aqmon

// net.go holds the link model and the bottleneck that joins the RED queue,
// the link and the flow monitor.  The link is the only place simulated time
// advances for a packet: it says when a frame finishes serialization and when
// it reaches the far end, and the bottleneck schedules events for both.

import (
	"fmt"
	"math"

	"golang.org/x/exp/slices"
)

// Link supplies the timing of a frame offered for transmission at time now:
// sendTime is when its last bit leaves the interface, arrivalTime when it
// reaches the far end
type Link interface {
	Transmit(sizeBytes int, now float64) (sendTime, arrivalTime float64)
}

// resettable is implemented by links that hold transmission state which must be
// discarded when the link goes down
type resettable interface {
	Reset(now float64)
}

// PointToPoint is a wired link with fixed bandwidth and propagation delay.
// Frames are served first-come first-serve.
type PointToPoint struct {
	Bandwidth float64 // bits/sec
	Delay     float64 // propagation delay, seconds
	empties   float64 // time when another frame can start serialization
}

// NewPointToPoint is a constructor
func NewPointToPoint(bandwidth, delay float64) (*PointToPoint, error) {
	if !(bandwidth > 0) {
		return nil, fmt.Errorf("%w: link bandwidth %g must be positive", ErrInvalidConfiguration, bandwidth)
	}
	if delay < 0 {
		return nil, fmt.Errorf("%w: link delay %g is negative", ErrInvalidConfiguration, delay)
	}
	return &PointToPoint{Bandwidth: bandwidth, Delay: delay}, nil
}

// Transmit looks up when the interface is free to take the frame, adds the
// serialization time, and remembers when the frame clears the interface
func (ptp *PointToPoint) Transmit(sizeBytes int, now float64) (float64, float64) {
	start := math.Max(now, ptp.empties)
	sendTime := roundFloat(start+float64(sizeBytes*8)/ptp.Bandwidth, rdigits)
	ptp.empties = sendTime
	return sendTime, roundFloat(sendTime+ptp.Delay, rdigits)
}

// Reset forgets the frame in service
func (ptp *PointToPoint) Reset(now float64) {
	ptp.empties = now
}

// ErrorModel fails deliveries independently with probability Rate
type ErrorModel struct {
	Rate float64
	rng  RandomSource
}

// NewErrorModel is a constructor.  A nil *ErrorModel never fails a delivery.
func NewErrorModel(rate float64, rng RandomSource) (*ErrorModel, error) {
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("%w: link error rate %g outside [0,1)", ErrInvalidConfiguration, rate)
	}
	return &ErrorModel{Rate: rate, rng: rng}, nil
}

// Corrupt samples whether the delivery in hand fails
func (em *ErrorModel) Corrupt() bool {
	if em == nil || em.Rate == 0 {
		return false
	}
	return em.rng.RandU01() < em.Rate
}

// inFlight remembers the pending arrival of a packet that left the queue
type inFlight struct {
	pckt   Packet
	handle Handle
}

// Bottleneck is the transmit side of the monitored link: a RED queue feeding a
// Link, with every transmit, delivery and loss reported to the FlowMonitor
type Bottleneck struct {
	name      string
	ctx       *SimulationContext
	queue     *RedQueue
	link      Link
	monitor   *FlowMonitor
	errModel  *ErrorModel
	pathDelay map[FlowKey]float64 // propagation beyond the far end, per flow

	up         bool
	busy       bool   // a frame is being serialized
	txHandle   Handle // its TransmitComplete event
	inFlight   map[uint64]inFlight
	linkLosses uint64
}

// NewBottleneck is a constructor.  errModel may be nil.
func NewBottleneck(ctx *SimulationContext, name string, queue *RedQueue, link Link,
	monitor *FlowMonitor, errModel *ErrorModel) *Bottleneck {

	bn := new(Bottleneck)
	bn.name = name
	bn.ctx = ctx
	bn.queue = queue
	bn.link = link
	bn.monitor = monitor
	bn.errModel = errModel
	bn.pathDelay = make(map[FlowKey]float64)
	bn.inFlight = make(map[uint64]inFlight)
	bn.up = true
	return bn
}

// SetPathDelay adds delay seconds to the arrival time of every packet of the flow
func (bn *Bottleneck) SetPathDelay(key FlowKey, delay float64) {
	bn.pathDelay[key] = delay
}

// Queue returns the queue discipline guarding the link
func (bn *Bottleneck) Queue() *RedQueue {
	return bn.queue
}

// Up reports whether the link is available
func (bn *Bottleneck) Up() bool {
	return bn.up
}

// InFlight returns the number of packets that left the queue and have not arrived
func (bn *Bottleneck) InFlight() int {
	return len(bn.inFlight)
}

// LinkLosses counts packets lost by the link rather than dropped by the queue
func (bn *Bottleneck) LinkLosses() uint64 {
	return bn.linkLosses
}

// Handle processes the events addressed to the bottleneck and reports whether
// ev was one of them
func (bn *Bottleneck) Handle(now float64, ev Event) bool {
	switch ev.Kind {
	case PacketReady:
		bn.offer(now, ev.Packet)
	case TransmitComplete:
		bn.busy = false
		bn.serve(now)
	case PacketArrival:
		bn.arrive(now, ev.Packet)
	case LinkDown:
		bn.linkDown(now)
	case LinkUp:
		bn.linkUp(now)
	default:
		return false
	}
	return true
}

// offer classifies the packet, then lets the queue discipline decide on it
func (bn *Bottleneck) offer(now float64, p Packet) {
	bn.monitor.OnTransmit(p, now)

	if !bn.up {
		bn.loseOnLink(now, p)
		return
	}

	if bn.queue.Enqueue(p) == Drop {
		bn.monitor.OnLoss(p, now)
		return
	}
	if !bn.busy {
		bn.serve(now)
	}
}

// serve puts the head of the queue onto the link, if there is one
func (bn *Bottleneck) serve(now float64) {
	if !bn.up {
		return
	}
	p, ok := bn.queue.Dequeue()
	if !ok {
		bn.queue.StartIdle()
		return
	}
	sendTime, arrivalTime := bn.link.Transmit(p.SizeBytes, now)
	arrivalTime += bn.pathDelay[p.Flow]

	bn.busy = true
	bn.txHandle = bn.ctx.Sched.Schedule(sendTime, Event{Kind: TransmitComplete})
	handle := bn.ctx.Sched.Schedule(arrivalTime, Event{Kind: PacketArrival, Packet: p})
	bn.inFlight[p.UID] = inFlight{pckt: p, handle: handle}
}

// arrive completes the passage of a packet, subject to the link's error model
func (bn *Bottleneck) arrive(now float64, p Packet) {
	delete(bn.inFlight, p.UID)
	if bn.errModel.Corrupt() {
		bn.loseOnLink(now, p)
		return
	}
	bn.monitor.OnReceive(p, now)
}

func (bn *Bottleneck) loseOnLink(now float64, p Packet) {
	bn.linkLosses += 1
	bn.monitor.OnLoss(p, now)
}

// linkDown loses everything the link holds: the queue contents and the packets
// on the wire, whose arrival events are withdrawn
func (bn *Bottleneck) linkDown(now float64) {
	if !bn.up {
		return
	}
	bn.up = false
	bn.ctx.Log.Warn("link down", "link", bn.name, "time", now,
		"queued", bn.queue.Len(), "inflight", len(bn.inFlight))

	if bn.busy {
		bn.ctx.Sched.Cancel(bn.txHandle)
		bn.busy = false
	}

	uids := make([]uint64, 0, len(bn.inFlight))
	for uid := range bn.inFlight {
		uids = append(uids, uid)
	}
	slices.Sort(uids)
	for _, uid := range uids {
		flt := bn.inFlight[uid]
		bn.ctx.Sched.Cancel(flt.handle)
		bn.loseOnLink(now, flt.pckt)
	}
	clear(bn.inFlight)

	for _, p := range bn.queue.Flush() {
		bn.loseOnLink(now, p)
	}
	if rl, ok := bn.link.(resettable); ok {
		rl.Reset(now)
	}
}

func (bn *Bottleneck) linkUp(now float64) {
	if bn.up {
		return
	}
	bn.up = true
	bn.ctx.Log.Info("link up", "link", bn.name, "time", now)
	if !bn.busy {
		bn.serve(now)
	}
}
