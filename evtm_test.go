package aqmon

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func TestEvtmSchedulerOrderAndCancel(t *testing.T) {
	es := NewEvtmScheduler(nil)
	assert.NotNil(t, es.EventManager())

	got := make([]dispatched, 0)
	es.OnDispatch(func(now float64, ev Event) {
		got = append(got, dispatched{at: now, source: ev.Source})
		if ev.Source == 1 {
			// joins the batch being dispatched, behind what is already in it
			es.Schedule(now, Event{Source: 6})
		}
	})

	es.Schedule(1.0, Event{Source: 1})
	h := es.Schedule(1.0, Event{Source: 2})
	es.Schedule(0.5, Event{Source: 3})
	es.Schedule(1.0, Event{Source: 4})
	es.Schedule(2.0, Event{Source: 5})
	es.Cancel(h)
	es.Cancel(h)

	es.Run(10.0)
	assert.Equal(t, []dispatched{{0.5, 3}, {1.0, 1}, {1.0, 4}, {1.0, 6}, {2.0, 5}}, got)
	assert.Empty(t, es.pending)
	assert.Empty(t, es.batches)
}

func TestEvtmSchedulerSubTickOrder(t *testing.T) {
	es := NewEvtmScheduler(nil)

	got := make([]dispatched, 0)
	es.OnDispatch(func(now float64, ev Event) {
		assert.Equal(t, now, es.Now())
		got = append(got, dispatched{at: now, source: ev.Source})
		if ev.Source == 2 {
			es.Schedule(1.0000002, Event{Source: 4})
		}
	})

	// all three round to the same microsecond tick, scheduled latest first
	es.Schedule(1.0000004, Event{Source: 1})
	es.Schedule(1.0000001, Event{Source: 2})
	es.Schedule(1.0000003, Event{Source: 3})
	es.Schedule(1.0000009, Event{Source: 5})

	es.Run(10.0)
	assert.Equal(t, []dispatched{
		{1.0000001, 2}, {1.0000002, 4}, {1.0000003, 3}, {1.0000004, 1}, {1.0000009, 5},
	}, got)
	assert.Equal(t, 10.0, es.Now())
}

func TestEvtmSchedulerHoldsBackPastLimit(t *testing.T) {
	es := NewEvtmScheduler(nil)
	got := make([]dispatched, 0)
	es.OnDispatch(func(now float64, ev Event) {
		got = append(got, dispatched{at: now, source: ev.Source})
	})

	// shares the tick of 2.0 but lies beyond it
	es.Schedule(2.0000003, Event{Source: 1})
	es.Schedule(1.9999999, Event{Source: 2})
	es.Run(2.0)
	assert.Equal(t, []dispatched{{1.9999999, 2}}, got)
	assert.Equal(t, 2.0, es.Now())

	es.Run(3.0)
	assert.Equal(t, []dispatched{{1.9999999, 2}, {2.0000003, 1}}, got)
	assert.Empty(t, es.batches)
}

func TestEvtmSchedulerMonotoneClock(t *testing.T) {
	es := NewEvtmScheduler(nil)
	rng := rand.New(rand.NewSource(17))

	times := make([]float64, 0)
	es.OnDispatch(func(now float64, ev Event) {
		times = append(times, now)
		if ev.Source < 200 {
			es.Schedule(now+rng.Float64()*0.000003, Event{Source: ev.Source + 1000})
		}
	})
	for idx := 0; idx < 200; idx++ {
		es.Schedule(rng.Float64()*0.00005, Event{Source: idx})
	}
	es.Run(1.0)

	require.Len(t, times, 400)
	assert.True(t, sort.Float64sAreSorted(times))
}
