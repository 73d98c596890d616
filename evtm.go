package aqmon

// evtm.go lets a simulation run on an evtm.EventManager, so the bottleneck and
// its monitor can be embedded in a larger network model that already drives
// its own event manager.
//
// The manager only knows handlers and offsets, so the bridge keeps its own
// bookkeeping.  The manager counts time in whole ticks and orders events
// within a tick by scheduling priority, so every event whose time rounds to
// the same tick joins one batch, and the batch is dispatched by a single
// manager event in (time, scheduling order) order.  Cancellation is recorded
// in the bridge and a cancelled entry is skipped when its batch fires.

import (
	"math"
	"sort"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"golang.org/x/exp/slices"
)

// evtmEntry is one event waiting in a batch
type evtmEntry struct {
	at     float64
	ev     Event
	handle Handle
}

// evtmBatch holds the events whose times round to one manager tick, ordered
// by (time, scheduling order).  next indexes the first entry not yet dispatched.
type evtmBatch struct {
	tick    int64
	entries []evtmEntry
	next    int
	armed   bool // a manager event for the batch is queued
}

// insert places e behind every entry whose time is not later than its own
func (batch *evtmBatch) insert(e evtmEntry) {
	pos := sort.Search(len(batch.entries), func(idx int) bool {
		return batch.entries[idx].at > e.at
	})
	batch.entries = slices.Insert(batch.entries, pos, e)
}

// EvtmScheduler implements Scheduler on an evtm.EventManager
type EvtmScheduler struct {
	evtMgr   *evtm.EventManager
	batches  map[int64]*evtmBatch
	pending  map[Handle]bool
	nxtID    uint64
	dispatch DispatchFunc
	now      float64    // time of the last event dispatched, or the last Run limit
	until    float64    // limit of the current Run
	firing   *evtmBatch // batch being dispatched, if any
}

// NewEvtmScheduler is a constructor.  A nil manager gets a fresh one.
func NewEvtmScheduler(evtMgr *evtm.EventManager) *EvtmScheduler {
	if evtMgr == nil {
		evtMgr = evtm.New()
	}
	es := new(EvtmScheduler)
	es.evtMgr = evtMgr
	es.batches = make(map[int64]*evtmBatch)
	es.pending = make(map[Handle]bool)
	es.now = evtMgr.CurrentSeconds()
	return es
}

// EventManager exposes the underlying manager, for models that schedule their own events on it
func (es *EvtmScheduler) EventManager() *evtm.EventManager {
	return es.evtMgr
}

// OnDispatch installs the function called for every event that comes due
func (es *EvtmScheduler) OnDispatch(fn DispatchFunc) {
	es.dispatch = fn
}

// Now returns the current time in seconds.  While a batch is being dispatched
// it is the exact time of the event being handled, not the manager's tick.
func (es *EvtmScheduler) Now() float64 {
	if es.firing != nil {
		return es.now
	}
	return math.Max(es.now, es.evtMgr.CurrentSeconds())
}

// Schedule adds ev to the batch of the tick that time at rounds to, creating
// the batch (and the manager event that fires it) when the tick has none
func (es *EvtmScheduler) Schedule(at float64, ev Event) Handle {
	now := es.Now()
	if at < now {
		at = now
	}
	es.nxtID += 1
	handle := Handle(es.nxtID)
	es.pending[handle] = true

	tick := vrtime.SecondsToTicks(at)
	batch, present := es.batches[tick]
	if !present {
		batch = &evtmBatch{tick: tick, entries: make([]evtmEntry, 0, 1)}
		es.batches[tick] = batch
		es.arm(batch)
	}
	batch.insert(evtmEntry{at: at, ev: ev, handle: handle})
	return handle
}

// arm queues the manager event that fires batch at its tick
func (es *EvtmScheduler) arm(batch *evtmBatch) {
	offset := batch.tick - es.evtMgr.CurrentTicks()
	if offset < 0 {
		offset = 0
	}
	es.evtMgr.Schedule(es, batch, fireEvtmBatch, vrtime.CreateTime(offset, 0))
	batch.armed = true
}

// Cancel withdraws a scheduled event; unknown, executed and cancelled handles are ignored
func (es *EvtmScheduler) Cancel(h Handle) {
	delete(es.pending, h)
}

// Run hands control to the manager until virtual time until.  Entries later
// than until that share its tick are held back for the next Run.
func (es *EvtmScheduler) Run(until float64) {
	es.until = until
	for _, batch := range es.batches {
		if !batch.armed {
			es.arm(batch)
		}
	}
	es.evtMgr.Run(until)

	if !math.IsInf(until, 1) && es.now < until && es.evtMgr.CurrentTicks() >= vrtime.SecondsToTicks(until) {
		es.now = until
	}
}

// fireEvtmBatch is the manager's event handler for a batch.  Events added to
// the batch while it is being dispatched take their place by time.
func fireEvtmBatch(evtMgr *evtm.EventManager, context any, data any) any {
	es := context.(*EvtmScheduler)
	batch := data.(*evtmBatch)
	batch.armed = false
	es.firing = batch

	for batch.next < len(batch.entries) {
		entry := batch.entries[batch.next]
		if entry.at > es.until {
			break
		}
		batch.next += 1
		if !es.pending[entry.handle] {
			continue
		}
		delete(es.pending, entry.handle)
		es.now = entry.at
		if es.dispatch != nil {
			es.dispatch(entry.at, entry.ev)
		}
	}
	es.firing = nil
	if batch.next == len(batch.entries) {
		delete(es.batches, batch.tick)
	}

	// event-handlers are required to return _something_
	return nil
}
