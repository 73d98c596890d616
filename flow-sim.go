package aqmon

// flow-sim.go holds the traffic sources that feed the bottleneck.  A source
// emits packets of one flow at a requested rate, with constant or exponential
// inter-arrival times, optionally alternating between on and off periods.
// Each emission is a PacketReady event; each source reschedules itself with a
// GeneratorTick event.

import (
	"fmt"
	"math"
)

// SourceModel selects the inter-arrival process of a source
type SourceModel int

const (
	ConstantRate SourceModel = iota
	Exponential
	OnOff
)

func (sm SourceModel) String() string {
	switch sm {
	case Exponential:
		return "expon"
	case OnOff:
		return "onoff"
	}
	return "const"
}

// sourceModelFromStr converts the model names accepted in scenario files
func sourceModelFromStr(model string) (SourceModel, bool) {
	switch model {
	case "const", "constant", "cbr", "":
		return ConstantRate, true
	case "expon", "exp", "exponential", "poisson":
		return Exponential, true
	case "onoff", "on-off":
		return OnOff, true
	}
	return ConstantRate, false
}

// Source generates the packets of one flow
type Source struct {
	Name       string
	Key        FlowKey
	Model      SourceModel
	Rate       float64 // bits/sec while sending
	PacketSize int     // bytes
	Start      float64
	Stop       float64
	OnTime     float64 // OnOff: length of a sending period
	OffTime    float64 // OnOff: length of a silent period
	ECN        bool

	rng     RandomSource
	onUntil float64
	sent    uint64
}

// NewSource is a constructor.  rng is used only by the exponential model.
func NewSource(name string, key FlowKey, model SourceModel, rate float64, packetSize int,
	start, stop float64, rng RandomSource) (*Source, error) {

	if !(rate > 0) {
		return nil, fmt.Errorf("%w: source %s rate %g must be positive", ErrInvalidConfiguration, name, rate)
	}
	if packetSize <= 0 {
		return nil, fmt.Errorf("%w: source %s packet size %d must be positive", ErrInvalidConfiguration, name, packetSize)
	}
	if start < 0 || stop <= start {
		return nil, fmt.Errorf("%w: source %s must start (%g) before it stops (%g)", ErrInvalidConfiguration, name, start, stop)
	}
	src := new(Source)
	src.Name = name
	src.Key = key
	src.Model = model
	src.Rate = rate
	src.PacketSize = packetSize
	src.Start = start
	src.Stop = stop
	src.rng = rng
	return src, nil
}

// SetOnOff gives the lengths of the sending and silent periods of an OnOff source
func (src *Source) SetOnOff(onTime, offTime float64) error {
	if !(onTime > 0) || offTime < 0 {
		return fmt.Errorf("%w: source %s on time %g / off time %g", ErrInvalidConfiguration, src.Name, onTime, offTime)
	}
	src.OnTime = onTime
	src.OffTime = offTime
	return nil
}

// Sent returns the number of packets emitted so far
func (src *Source) Sent() uint64 {
	return src.sent
}

// interarrival samples the time to the next packet
func (src *Source) interarrival() float64 {
	arrivalRatePckts := src.Rate / float64(8*src.PacketSize)
	params := []float64{arrivalRatePckts}
	if src.Model == Exponential {
		return sampleExpRV(src.rng.RandU01(), params)
	}
	return sampleConst(0.0, params)
}

// TrafficGenerator drives a set of sources and hands out packet ids
type TrafficGenerator struct {
	ctx     *SimulationContext
	sources []*Source
	nxtUID  uint64
}

// NewTrafficGenerator is a constructor
func NewTrafficGenerator(ctx *SimulationContext) *TrafficGenerator {
	tg := new(TrafficGenerator)
	tg.ctx = ctx
	tg.sources = make([]*Source, 0)
	return tg
}

// AddSource registers a source and returns its index
func (tg *TrafficGenerator) AddSource(src *Source) int {
	tg.sources = append(tg.sources, src)
	return len(tg.sources) - 1
}

// Sources returns the registered sources
func (tg *TrafficGenerator) Sources() []*Source {
	return tg.sources
}

// Start schedules the first tick of every source
func (tg *TrafficGenerator) Start() {
	for idx, src := range tg.sources {
		src.onUntil = src.Start + src.OnTime
		tg.ctx.Sched.Schedule(src.Start, Event{Kind: GeneratorTick, Source: idx})
	}
}

// NextUID returns a packet id not used before in this run
func (tg *TrafficGenerator) NextUID() uint64 {
	tg.nxtUID += 1
	return tg.nxtUID
}

// Inject schedules a single packet of flow key to be offered at time at.
// Recorded traffic is replayed through it.
func (tg *TrafficGenerator) Inject(at float64, key FlowKey, sizeBytes int, ecnCapable bool) Handle {
	p := Packet{UID: tg.NextUID(), Flow: key, SizeBytes: sizeBytes, SendTime: at, ECNCapable: ecnCapable}
	return tg.ctx.Sched.Schedule(at, Event{Kind: PacketReady, Packet: p})
}

// Handle processes GeneratorTick events and reports whether ev was one
func (tg *TrafficGenerator) Handle(now float64, ev Event) bool {
	if ev.Kind != GeneratorTick {
		return false
	}
	if ev.Source < 0 || ev.Source >= len(tg.sources) {
		tg.ctx.Log.Warn("tick for unknown traffic source", "source", ev.Source)
		return true
	}
	src := tg.sources[ev.Source]
	if now >= src.Stop {
		return true
	}

	// an on/off source at the end of its sending period goes quiet until the next one
	if src.Model == OnOff && now >= src.onUntil {
		nxtOn := roundFloat(src.onUntil+src.OffTime, rdigits)
		src.onUntil = nxtOn + src.OnTime
		if nxtOn < src.Stop {
			tg.ctx.Sched.Schedule(nxtOn, ev)
		}
		return true
	}

	p := Packet{
		UID:        tg.NextUID(),
		Flow:       src.Key,
		SizeBytes:  src.PacketSize,
		SendTime:   now,
		ECNCapable: src.ECN,
	}
	src.sent += 1
	tg.ctx.Sched.Schedule(now, Event{Kind: PacketReady, Packet: p})

	// schedule the next emission
	nxt := roundFloat(now+src.interarrival(), rdigits)
	if nxt < src.Stop {
		tg.ctx.Sched.Schedule(nxt, ev)
	}
	return true
}

var rdigits uint = 15

// round computed simulation time to avoid non-sensical comparisons
// induced by rounding error
func roundFloat(val float64, precision uint) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}

// expRV returns a sample of a exponentially distributed random number
func expRV(u01, rate float64) float64 {
	return -math.Log(1.0-u01) / rate
}

// sampleExpRV has the signature the sources expect for
// drawing a next interarrival time
func sampleExpRV(u01 float64, params []float64) float64 {
	return expRV(u01, params[0])
}

// sampleConst has the signature the sources expect for
// drawing a next interarrival time, here, a constant
func sampleConst(u01 float64, params []float64) float64 {
	return 1.0 / params[0]
}
