package aqmon

// scheduler.go holds the event calendar that drives a simulation run.
// Every component runs inside the single dispatch function the calendar
// calls, one event at a time, in virtual-time order.  Events that carry the
// same virtual time are dispatched in the order they were scheduled, which is
// what makes a run with a fixed seed replay exactly.

import (
	"container/heap"
	"math"
)

// EventKind tags the variant carried by an Event
type EventKind int

const (
	// PacketReady hands a packet from a traffic source to the bottleneck
	PacketReady EventKind = iota

	// TransmitComplete marks the end of serialization of the frame in service
	TransmitComplete

	// PacketArrival delivers a packet at the far end of the bottleneck path
	PacketArrival

	// GeneratorTick asks a traffic source to emit its next packet
	GeneratorTick

	// LinkDown and LinkUp change the availability of the bottleneck link
	LinkDown
	LinkUp

	// QueueSample records the queue occupancy and average into the trace
	QueueSample
)

var eventKindToStr = map[EventKind]string{
	PacketReady:      "packet-ready",
	TransmitComplete: "transmit-complete",
	PacketArrival:    "packet-arrival",
	GeneratorTick:    "generator-tick",
	LinkDown:         "link-down",
	LinkUp:           "link-up",
	QueueSample:      "queue-sample",
}

func (ek EventKind) String() string {
	str, present := eventKindToStr[ek]
	if !present {
		return "unknown"
	}
	return str
}

// Event is the tagged variant processed by a DispatchFunc.  Which of the payload
// fields are meaningful is determined by Kind.
type Event struct {
	Kind   EventKind
	Packet Packet // PacketReady, PacketArrival
	Source int    // GeneratorTick: index of the traffic source
}

// Handle identifies a scheduled event so that it can be cancelled
type Handle uint64

// DispatchFunc is called once for every event that comes due, with the
// virtual time (in seconds) at which it fires
type DispatchFunc func(now float64, ev Event)

// Scheduler is the contract every event engine used by the simulation satisfies
type Scheduler interface {
	// Now returns the current virtual time in seconds
	Now() float64

	// Schedule arranges for ev to be dispatched at virtual time at
	Schedule(at float64, ev Event) Handle

	// Cancel withdraws a scheduled event.  Cancelling an event that already ran,
	// was already cancelled, or was never scheduled does nothing.
	Cancel(h Handle)

	// Run dispatches events in time order until none remain at or before until
	Run(until float64)

	// OnDispatch installs the function that processes events
	OnDispatch(fn DispatchFunc)
}

// calendarEntry is an event waiting in the Calendar
type calendarEntry struct {
	at        float64
	seq       uint64 // scheduling order, breaks ties between equal times
	ev        Event
	handle    Handle
	cancelled bool
}

// entryHeap and its methods implement a min-priority heap on (at, seq)
type entryHeap []*calendarEntry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(*calendarEntry))
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}

// Calendar is the native single-threaded event engine
type Calendar struct {
	now      float64
	nxtSeq   uint64
	entries  entryHeap
	pending  map[Handle]*calendarEntry // scheduled, not yet dispatched or cancelled
	dispatch DispatchFunc
	stopped  bool
}

// NewCalendar is a constructor.  The calendar starts at virtual time 0
func NewCalendar() *Calendar {
	cal := new(Calendar)
	cal.entries = entryHeap{}
	cal.pending = make(map[Handle]*calendarEntry)
	heap.Init(&cal.entries)
	return cal
}

// OnDispatch installs the function called for every event that comes due
func (cal *Calendar) OnDispatch(fn DispatchFunc) {
	cal.dispatch = fn
}

// Now returns the virtual time of the event being (or last) dispatched
func (cal *Calendar) Now() float64 {
	return cal.now
}

// Pending returns the number of scheduled events not yet dispatched or cancelled
func (cal *Calendar) Pending() int {
	return len(cal.pending)
}

// Schedule puts ev on the calendar at virtual time at.  A time in the past is
// treated as 'now', behind everything already scheduled for now.
func (cal *Calendar) Schedule(at float64, ev Event) Handle {
	if at < cal.now || math.IsNaN(at) {
		at = cal.now
	}
	cal.nxtSeq += 1

	entry := &calendarEntry{at: at, seq: cal.nxtSeq, ev: ev, handle: Handle(cal.nxtSeq)}
	heap.Push(&cal.entries, entry)
	cal.pending[entry.handle] = entry
	return entry.handle
}

// Cancel marks the event as withdrawn; it stays in the heap and is skipped when popped
func (cal *Calendar) Cancel(h Handle) {
	entry, present := cal.pending[h]
	if !present {
		return
	}
	entry.cancelled = true
	delete(cal.pending, h)
}

// Stop ends the current Run after the event being dispatched completes
func (cal *Calendar) Stop() {
	cal.stopped = true
}

// Run dispatches events with time at or before until, in (time, scheduling order)
// order.  When it returns without being stopped the clock reads until.
func (cal *Calendar) Run(until float64) {
	cal.stopped = false
	for cal.entries.Len() > 0 && !cal.stopped {
		if cal.entries[0].at > until {
			break
		}
		entry := heap.Pop(&cal.entries).(*calendarEntry)
		if entry.cancelled {
			continue
		}
		delete(cal.pending, entry.handle)
		cal.now = entry.at

		if cal.dispatch != nil {
			cal.dispatch(cal.now, entry.ev)
		}
	}

	if !cal.stopped && until > cal.now && !math.IsInf(until, 1) {
		cal.now = until
	}
}
