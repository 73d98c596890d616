package aqmon

// desc-topo.go holds the serializable description of a scenario: the RED
// configuration, the bottleneck link, the topology beyond it, the flows that
// cross it and what to record.  A description is read from YAML or JSON,
// defaulted and validated once, and then turned into run-time structures by
// the simulation builder.

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path"

	"gopkg.in/yaml.v3"
)

// defaults filled in for fields a scenario leaves out
const (
	defaultDuration    = 10.0
	defaultQueueWeight = 0.002
	defaultMaxP        = 0.02
	defaultPacketSize  = 1000
	defaultEngine      = "calendar"
)

// RedDesc is the scenario form of RedConfig
type RedDesc struct {
	MinTh       float64 `json:"minth" yaml:"minth"`
	MaxTh       float64 `json:"maxth" yaml:"maxth"`
	QueueWeight float64 `json:"queueweight" yaml:"queueweight"`
	MaxP        float64 `json:"maxp" yaml:"maxp"`
	QueueLimit  int     `json:"queuelimit" yaml:"queuelimit"`
	Mode        string  `json:"mode" yaml:"mode"` // "packets" or "bytes"
	ECN         bool    `json:"ecn" yaml:"ecn"`
	Gentle      bool    `json:"gentle" yaml:"gentle"`
	MeanPktSize int     `json:"meanpktsize" yaml:"meanpktsize"`
}

// OutageDesc takes the bottleneck link down at Down and back up at Up (seconds)
type OutageDesc struct {
	Down float64 `json:"down" yaml:"down"`
	Up   float64 `json:"up" yaml:"up"`
}

// BottleneckDesc describes the monitored link, which runs from node From to node To
type BottleneckDesc struct {
	Name          string       `json:"name" yaml:"name"`
	From          string       `json:"from" yaml:"from"`
	To            string       `json:"to" yaml:"to"`
	BandwidthMbps float64      `json:"bandwidthmbps" yaml:"bandwidthmbps"`
	DelayMs       float64      `json:"delayms" yaml:"delayms"`
	ErrorRate     float64      `json:"errorrate" yaml:"errorrate"`
	Outages       []OutageDesc `json:"outages" yaml:"outages"`
}

// LinkDesc is a link of the topology beyond the bottleneck
type LinkDesc struct {
	A       string  `json:"a" yaml:"a"`
	B       string  `json:"b" yaml:"b"`
	DelayMs float64 `json:"delayms" yaml:"delayms"`
}

// TopologyDesc lists the links beyond the bottleneck
type TopologyDesc struct {
	Links []LinkDesc `json:"links" yaml:"links"`
}

// FlowDesc describes a traffic source and the five-tuple of its flow
type FlowDesc struct {
	Name       string  `json:"name" yaml:"name"`
	Src        string  `json:"src" yaml:"src"` // topology node names
	Dst        string  `json:"dst" yaml:"dst"`
	SrcAddr    string  `json:"srcaddr" yaml:"srcaddr"`
	DstAddr    string  `json:"dstaddr" yaml:"dstaddr"`
	Protocol   string  `json:"protocol" yaml:"protocol"`
	SrcPort    uint16  `json:"srcport" yaml:"srcport"`
	DstPort    uint16  `json:"dstport" yaml:"dstport"`
	RateMbps   float64 `json:"ratembps" yaml:"ratembps"`
	PacketSize int     `json:"packetsize" yaml:"packetsize"`
	Model      string  `json:"model" yaml:"model"` // "const", "expon", "onoff"
	Start      float64 `json:"start" yaml:"start"`
	Stop       float64 `json:"stop" yaml:"stop"`
	OnTime     float64 `json:"ontime" yaml:"ontime"`
	OffTime    float64 `json:"offtime" yaml:"offtime"`
	ECN        bool    `json:"ecn" yaml:"ecn"`
}

// FlowKey builds the five-tuple of the flow
func (fd *FlowDesc) FlowKey() (FlowKey, error) {
	srcAddr, err := netip.ParseAddr(fd.SrcAddr)
	if err != nil {
		return FlowKey{}, fmt.Errorf("%w: flow %s source address: %v", ErrInvalidConfiguration, fd.Name, err)
	}
	dstAddr, err := netip.ParseAddr(fd.DstAddr)
	if err != nil {
		return FlowKey{}, fmt.Errorf("%w: flow %s destination address: %v", ErrInvalidConfiguration, fd.Name, err)
	}
	proto, ok := protoFromStr(fd.Protocol)
	if !ok {
		return FlowKey{}, fmt.Errorf("%w: flow %s protocol %q", ErrInvalidConfiguration, fd.Name, fd.Protocol)
	}
	return FlowKey{SrcAddr: srcAddr, DstAddr: dstAddr, Protocol: proto, SrcPort: fd.SrcPort, DstPort: fd.DstPort}, nil
}

// MonitorDesc configures the flow monitor.  Window (seconds) fixes the
// throughput observation window; zero uses each flow's active window.
type MonitorDesc struct {
	Window float64 `json:"window" yaml:"window"`
}

// TraceDesc switches on tracing and names the file the trace is written to
type TraceDesc struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	File    string `json:"file" yaml:"file"`
}

// Scenario is the complete description of a run
type Scenario struct {
	Name           string         `json:"name" yaml:"name"`
	Seed           uint64         `json:"seed" yaml:"seed"`
	Duration       float64        `json:"duration" yaml:"duration"` // seconds
	Engine         string         `json:"engine" yaml:"engine"`     // "calendar" or "evtm"
	SampleInterval float64        `json:"sampleinterval" yaml:"sampleinterval"`
	Red            RedDesc        `json:"red" yaml:"red"`
	Bottleneck     BottleneckDesc `json:"bottleneck" yaml:"bottleneck"`
	Topology       TopologyDesc   `json:"topology" yaml:"topology"`
	Flows          []FlowDesc     `json:"flows" yaml:"flows"`
	Monitor        MonitorDesc    `json:"monitor" yaml:"monitor"`
	Trace          TraceDesc      `json:"trace" yaml:"trace"`
}

// applyDefaults fills in the fields a scenario may leave out
func (sc *Scenario) applyDefaults() {
	if sc.Duration == 0 {
		sc.Duration = defaultDuration
	}
	if sc.Engine == "" {
		sc.Engine = defaultEngine
	}
	if sc.Red.QueueWeight == 0 {
		sc.Red.QueueWeight = defaultQueueWeight
	}
	if sc.Red.MaxP == 0 {
		sc.Red.MaxP = defaultMaxP
	}
	if sc.Bottleneck.Name == "" {
		sc.Bottleneck.Name = "bottleneck"
	}
	for idx := range sc.Flows {
		fd := &sc.Flows[idx]
		if fd.Name == "" {
			fd.Name = fmt.Sprintf("flow%d", idx+1)
		}
		if fd.PacketSize == 0 {
			fd.PacketSize = defaultPacketSize
		}
		if fd.Stop == 0 {
			fd.Stop = sc.Duration
		}
	}
	if sc.Red.MeanPktSize == 0 && len(sc.Flows) > 0 {
		sc.Red.MeanPktSize = sc.Flows[0].PacketSize
	}
}

// RedConfig converts the RED description, using the bottleneck bandwidth for idle decay
func (sc *Scenario) RedConfig() (RedConfig, error) {
	mode, ok := queueModeFromStr(sc.Red.Mode)
	if !ok {
		return RedConfig{}, fmt.Errorf("%w: red mode %q", ErrInvalidConfiguration, sc.Red.Mode)
	}
	cfg := RedConfig{
		MinTh:         sc.Red.MinTh,
		MaxTh:         sc.Red.MaxTh,
		QueueWeight:   sc.Red.QueueWeight,
		MaxP:          sc.Red.MaxP,
		QueueLimit:    sc.Red.QueueLimit,
		Mode:          mode,
		ECN:           sc.Red.ECN,
		Gentle:        sc.Red.Gentle,
		MeanPktSize:   sc.Red.MeanPktSize,
		LinkBandwidth: sc.Bottleneck.BandwidthMbps * 1e6,
	}
	return cfg, cfg.Validate()
}

// Validate checks the whole description.  Every error wraps ErrInvalidConfiguration.
func (sc *Scenario) Validate() error {
	if !(sc.Duration > 0) {
		return fmt.Errorf("%w: duration %g must be positive", ErrInvalidConfiguration, sc.Duration)
	}
	if sc.Engine != "calendar" && sc.Engine != "evtm" {
		return fmt.Errorf("%w: engine %q is neither calendar nor evtm", ErrInvalidConfiguration, sc.Engine)
	}
	if sc.SampleInterval < 0 {
		return fmt.Errorf("%w: sample interval %g is negative", ErrInvalidConfiguration, sc.SampleInterval)
	}
	if _, err := sc.RedConfig(); err != nil {
		return err
	}

	bd := &sc.Bottleneck
	if !(bd.BandwidthMbps > 0) {
		return fmt.Errorf("%w: bottleneck bandwidth %g must be positive", ErrInvalidConfiguration, bd.BandwidthMbps)
	}
	if bd.DelayMs < 0 {
		return fmt.Errorf("%w: bottleneck delay %g is negative", ErrInvalidConfiguration, bd.DelayMs)
	}
	if bd.ErrorRate < 0 || bd.ErrorRate >= 1 {
		return fmt.Errorf("%w: bottleneck error rate %g outside [0,1)", ErrInvalidConfiguration, bd.ErrorRate)
	}
	for _, od := range bd.Outages {
		if od.Down < 0 || od.Up <= od.Down {
			return fmt.Errorf("%w: outage must go down (%g) before it comes up (%g)", ErrInvalidConfiguration, od.Down, od.Up)
		}
	}
	for _, ld := range sc.Topology.Links {
		if ld.A == "" || ld.B == "" || ld.A == ld.B || ld.DelayMs < 0 {
			return fmt.Errorf("%w: topology link %s-%s", ErrInvalidConfiguration, ld.A, ld.B)
		}
	}

	// a scenario without flows is driven entirely by injected (replayed) traffic
	seen := make(map[FlowKey]string)
	for idx := range sc.Flows {
		fd := &sc.Flows[idx]
		key, err := fd.FlowKey()
		if err != nil {
			return err
		}
		if other, present := seen[key]; present {
			return fmt.Errorf("%w: flows %s and %s share the five-tuple %s", ErrInvalidConfiguration, other, fd.Name, key)
		}
		seen[key] = fd.Name
		if _, ok := sourceModelFromStr(fd.Model); !ok {
			return fmt.Errorf("%w: flow %s model %q", ErrInvalidConfiguration, fd.Name, fd.Model)
		}
		if !(fd.RateMbps > 0) || fd.PacketSize <= 0 {
			return fmt.Errorf("%w: flow %s needs a positive rate and packet size", ErrInvalidConfiguration, fd.Name)
		}
		if fd.Start < 0 || fd.Stop <= fd.Start {
			return fmt.Errorf("%w: flow %s must start (%g) before it stops (%g)", ErrInvalidConfiguration, fd.Name, fd.Start, fd.Stop)
		}
	}
	if sc.Monitor.Window < 0 {
		return fmt.Errorf("%w: monitor window %g is negative", ErrInvalidConfiguration, sc.Monitor.Window)
	}
	if sc.Trace.Enabled && sc.Trace.File != "" {
		switch path.Ext(sc.Trace.File) {
		case ".yaml", ".YAML", ".yml", ".json", ".JSON":
		default:
			return fmt.Errorf("%w: trace file %s must be yaml or json", ErrInvalidConfiguration, sc.Trace.File)
		}
	}
	return nil
}

// ReadScenario deserializes a scenario from dict, or from the named file when
// dict is empty, then defaults and validates it
func ReadScenario(filename string, useYAML bool, dict []byte) (*Scenario, error) {
	var err error

	// read from the file only if the byte slice is empty
	if len(dict) == 0 {
		fileInfo, err := os.Stat(filename)
		if os.IsNotExist(err) || (err == nil && fileInfo.IsDir()) {
			return nil, fmt.Errorf("scenario %s does not exist or cannot be read", filename)
		}
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := Scenario{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	example.applyDefaults()
	if err := example.Validate(); err != nil {
		return nil, err
	}
	return &example, nil
}

// LoadScenario reads a scenario file, choosing yaml or json by its extension
func LoadScenario(filename string) (*Scenario, error) {
	switch path.Ext(filename) {
	case ".yaml", ".YAML", ".yml":
		return ReadScenario(filename, true, nil)
	case ".json", ".JSON":
		return ReadScenario(filename, false, nil)
	}
	return nil, fmt.Errorf("scenario file %s must end in .yaml, .yml or .json", filename)
}

// WriteToFile serializes the scenario and writes it to the file whose name is given.
// Extension of the file name selects whether serialization is to json or to yaml format.
func (sc *Scenario) WriteToFile(filename string) error {
	var bytes []byte
	var merr error

	switch path.Ext(filename) {
	case ".yaml", ".YAML", ".yml":
		bytes, merr = yaml.Marshal(*sc)
	case ".json", ".JSON":
		bytes, merr = json.MarshalIndent(*sc, "", "\t")
	default:
		return fmt.Errorf("scenario file %s must end in .yaml, .yml or .json", filename)
	}
	if merr != nil {
		return merr
	}
	return os.WriteFile(filename, bytes, 0o644)
}
