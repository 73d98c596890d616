package aqmon

// mrnes.go builds a runnable simulation from a scenario description and runs it.
// The builder creates the event engine, the shared SimulationContext, the RED
// queue, the bottleneck link, the flow monitor and the traffic sources, and
// installs the one dispatch function that routes every event.

import (
	"fmt"
	"log/slog"
)

// Result is what a run produces for reporting layers
type Result struct {
	Name              string          `json:"name" yaml:"name"`
	Duration          float64         `json:"duration" yaml:"duration"`
	Flows             []FlowRecord    `json:"flows" yaml:"flows"`
	Aggregate         AggregateReport `json:"aggregate" yaml:"aggregate"`
	Queue             QueueStats      `json:"queue" yaml:"queue"`
	LinkLosses        uint64          `json:"linklosses" yaml:"linklosses"`
	UnknownFlowEvents uint64          `json:"unknownflowevents" yaml:"unknownflowevents"`
}

// Simulation holds the run-time structures of one scenario
type Simulation struct {
	Scenario   *Scenario
	Ctx        *SimulationContext
	Queue      *RedQueue
	Bottleneck *Bottleneck
	Monitor    *FlowMonitor
	Traffic    *TrafficGenerator
	Reporter   *Reporter
	Topology   *Topology
}

// newScheduler creates the event engine the scenario names
func newScheduler(engine string) (Scheduler, error) {
	switch engine {
	case "calendar", "":
		return NewCalendar(), nil
	case "evtm":
		return NewEvtmScheduler(nil), nil
	}
	return nil, fmt.Errorf("%w: engine %q", ErrInvalidConfiguration, engine)
}

// buildTopology turns the scenario's links, plus the bottleneck itself, into a Topology
func buildTopology(sc *Scenario) (*Topology, error) {
	tp := NewTopology()
	bd := &sc.Bottleneck
	if bd.From != "" && bd.To != "" {
		if err := tp.AddLink(bd.From, bd.To, bd.DelayMs/1e3); err != nil {
			return nil, err
		}
	}
	for _, ld := range sc.Topology.Links {
		if err := tp.AddLink(ld.A, ld.B, ld.DelayMs/1e3); err != nil {
			return nil, err
		}
	}
	return tp, nil
}

// BuildSimulation creates everything a scenario needs.  The scenario must have
// been validated (LoadScenario and ReadScenario do so).
func BuildSimulation(sc *Scenario, logger *slog.Logger) (*Simulation, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	sched, err := newScheduler(sc.Engine)
	if err != nil {
		return nil, err
	}
	tm := CreateTraceManager(sc.Name, sc.Trace.Enabled)
	ctx := NewSimulationContext(sched, logger, tm)

	sim := new(Simulation)
	sim.Scenario = sc
	sim.Ctx = ctx

	redCfg, err := sc.RedConfig()
	if err != nil {
		return nil, err
	}
	bd := &sc.Bottleneck
	sim.Queue, err = NewRedQueue(ctx, bd.Name, redCfg, NewRandomSource(sc.Seed, sc.Name+"/red"))
	if err != nil {
		return nil, err
	}

	link, err := NewPointToPoint(bd.BandwidthMbps*1e6, bd.DelayMs/1e3)
	if err != nil {
		return nil, err
	}
	var errModel *ErrorModel
	if bd.ErrorRate > 0 {
		errModel, err = NewErrorModel(bd.ErrorRate, NewRandomSource(sc.Seed, sc.Name+"/link"))
		if err != nil {
			return nil, err
		}
	}

	sim.Monitor = NewFlowMonitor(ctx)
	sim.Bottleneck = NewBottleneck(ctx, bd.Name, sim.Queue, link, sim.Monitor, errModel)
	sim.Traffic = NewTrafficGenerator(ctx)
	sim.Reporter = NewReporter(sc.Monitor.Window)

	sim.Topology, err = buildTopology(sc)
	if err != nil {
		return nil, err
	}

	for idx := range sc.Flows {
		if err := sim.addFlow(&sc.Flows[idx]); err != nil {
			return nil, err
		}
	}

	sched.OnDispatch(sim.dispatch)
	return sim, nil
}

// addFlow creates the source for a flow and the delay its packets see past the bottleneck
func (sim *Simulation) addFlow(fd *FlowDesc) error {
	sc := sim.Scenario
	key, err := fd.FlowKey()
	if err != nil {
		return err
	}
	model, ok := sourceModelFromStr(fd.Model)
	if !ok {
		return fmt.Errorf("%w: flow %s model %q", ErrInvalidConfiguration, fd.Name, fd.Model)
	}
	src, err := NewSource(fd.Name, key, model, fd.RateMbps*1e6, fd.PacketSize, fd.Start, fd.Stop,
		NewRandomSource(sc.Seed, sc.Name+"/flow/"+fd.Name))
	if err != nil {
		return err
	}
	if model == OnOff {
		if err := src.SetOnOff(fd.OnTime, fd.OffTime); err != nil {
			return err
		}
	}
	src.ECN = fd.ECN
	sim.Traffic.AddSource(src)

	// delay from the far end of the bottleneck to the flow's destination
	if fd.Dst != "" && sc.Bottleneck.To != "" {
		delay, err := sim.Topology.PathDelay(sc.Bottleneck.To, fd.Dst)
		if err != nil {
			return fmt.Errorf("flow %s: %w", fd.Name, err)
		}
		sim.Bottleneck.SetPathDelay(key, delay)
		route, _ := sim.Topology.ShowPath(sc.Bottleneck.To, fd.Dst)
		sim.Ctx.Log.Debug("flow path beyond bottleneck", "flow", fd.Name, "route", route, "delay", delay)
	}
	return nil
}

// dispatch is the single function through which every event of the run passes
func (sim *Simulation) dispatch(now float64, ev Event) {
	switch ev.Kind {
	case GeneratorTick:
		sim.Traffic.Handle(now, ev)
	case PacketReady, TransmitComplete, PacketArrival, LinkDown, LinkUp:
		sim.Bottleneck.Handle(now, ev)
	case QueueSample:
		sim.sampleQueue(now)
	default:
		sim.Ctx.Log.Warn("event of unknown kind", "kind", int(ev.Kind), "time", now)
	}
}

// sampleQueue records the queue state and schedules the next sample
func (sim *Simulation) sampleQueue(now float64) {
	sim.Ctx.Trace.AddQueueTrace(now, sim.Scenario.Bottleneck.Name, "sample", nil,
		sim.Queue.Occupancy(), sim.Queue.AvgQueueSize(), "")
	nxt := roundFloat(now+sim.Scenario.SampleInterval, rdigits)
	if nxt <= sim.Scenario.Duration {
		sim.Ctx.Sched.Schedule(nxt, Event{Kind: QueueSample})
	}
}

// Run schedules the sources, outages and queue samples, runs the scenario to
// its duration, writes the trace if one was asked for, and returns the results
func (sim *Simulation) Run() (*Result, error) {
	sc := sim.Scenario
	sched := sim.Ctx.Sched

	sim.Traffic.Start()
	for _, od := range sc.Bottleneck.Outages {
		sched.Schedule(od.Down, Event{Kind: LinkDown})
		sched.Schedule(od.Up, Event{Kind: LinkUp})
	}
	if sc.SampleInterval > 0 {
		sched.Schedule(0.0, Event{Kind: QueueSample})
	}

	sim.Ctx.Log.Info("simulation start", "scenario", sc.Name, "engine", sc.Engine,
		"flows", len(sc.Flows), "duration", sc.Duration)
	sched.Run(sc.Duration)

	rslt := sim.Result()
	sim.Ctx.Log.Info("simulation end", "scenario", sc.Name,
		"throughputMbps", rslt.Aggregate.TotalThroughputMbps,
		"pdrPercent", rslt.Aggregate.OverallPdrPercent,
		"fairness", rslt.Aggregate.FairnessIndex,
		"drops", rslt.Queue.TotalDroppedPackets,
		"marks", rslt.Queue.TotalMarkedPackets)

	if sc.Trace.Enabled && sc.Trace.File != "" {
		if _, err := sim.Ctx.Trace.WriteToFile(sc.Trace.File); err != nil {
			return rslt, fmt.Errorf("writing trace: %w", err)
		}
	}
	return rslt, nil
}

// Result gathers the current statistics; it may be called at any point of a run
func (sim *Simulation) Result() *Result {
	return &Result{
		Name:              sim.Scenario.Name,
		Duration:          sim.Scenario.Duration,
		Flows:             sim.Monitor.Records(sim.Reporter.Window),
		Aggregate:         sim.Reporter.Report(sim.Monitor),
		Queue:             sim.Queue.Stats(),
		LinkLosses:        sim.Bottleneck.LinkLosses(),
		UnknownFlowEvents: sim.Monitor.UnknownFlowEvents(),
	}
}
