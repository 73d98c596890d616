package aqmon

import (
	"encoding/json"
	"fmt"
	"os"
	"path"

	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
)

// NameType is an entry in a dictionary created for a trace
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// QueueTrace saves information about something that happened to a packet at the
// bottleneck (or to the queue as a whole), saved for post-run analysis
type QueueTrace struct {
	Time         float64 `json:"time" yaml:"time"`         // time in float64
	Ticks        int64   `json:"ticks" yaml:"ticks"`       // ticks variable of time
	Priority     int64   `json:"priority" yaml:"priority"` // priority field of time-stamp
	Object       string  `json:"object" yaml:"object"`     // queue or link the record is about
	Op           string  `json:"op" yaml:"op"`             // "enqueue", "mark", "drop", "dequeue", "rx", "loss", "sample"
	Flow         string  `json:"flow,omitempty" yaml:"flow,omitempty"`
	UID          uint64  `json:"uid,omitempty" yaml:"uid,omitempty"`
	Occupancy    int     `json:"occupancy" yaml:"occupancy"`
	AvgQueueSize float64 `json:"avg" yaml:"avg"`
	Reason       string  `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// TraceManager gathers information about a scenario and an execution of it.
// Its methods are safe to call on a manager that is not in use; they then do nothing.
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each objID
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records for this experiment, in the order they happened
	Traces []QueueTrace `json:"traces" yaml:"traces"`
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.  By testing this
// flag we can inhibit the activity of gathering a trace when we don't want it,
// while embedding calls to its methods everywhere we need them when it is
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[int]NameType) // dictionary of id code -> (name,type)
	tm.Traces = make([]QueueTrace, 0)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm != nil && tm.InUse
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) error {
	if !tm.Active() {
		return nil
	}
	if _, present := tm.NameByID[id]; present {
		return fmt.Errorf("duplicated id %d in trace dictionary", id)
	}
	tm.NameByID[id] = NameType{Name: name, Type: objDesc}
	return nil
}

// AddQueueTrace creates a record of the trace using its calling arguments, and stores it.
// p may be nil for records about the queue as a whole.
func (tm *TraceManager) AddQueueTrace(now float64, object, op string, p *Packet, occupancy int, avg float64, reason string) {
	// return if we aren't using the trace manager
	if !tm.Active() {
		return
	}
	vrt := vrtime.SecondsToTime(now)

	qtr := QueueTrace{
		Time:         vrt.Seconds(),
		Ticks:        vrt.Ticks(),
		Priority:     vrt.Pri(),
		Object:       object,
		Op:           op,
		Occupancy:    occupancy,
		AvgQueueSize: avg,
		Reason:       reason,
	}
	if p != nil {
		qtr.Flow = p.Flow.String()
		qtr.UID = p.UID
	}
	tm.Traces = append(tm.Traces, qtr)
}

// Count returns the number of records with the given op, or of all records when op is empty
func (tm *TraceManager) Count(op string) int {
	if tm == nil {
		return 0
	}
	if op == "" {
		return len(tm.Traces)
	}
	cnt := 0
	for _, qtr := range tm.Traces {
		if qtr.Op == op {
			cnt += 1
		}
	}
	return cnt
}

// WriteToFile stores the trace to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
// It returns false, and writes nothing, when the manager is not in use.
func (tm *TraceManager) WriteToFile(filename string) (bool, error) {
	if !tm.Active() {
		return false, nil
	}
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	switch pathExt {
	case ".yaml", ".YAML", ".yml":
		bytes, merr = yaml.Marshal(*tm)
	case ".json", ".JSON":
		bytes, merr = json.MarshalIndent(*tm, "", "\t")
	default:
		return false, fmt.Errorf("trace file %s must end in .yaml, .yml or .json", filename)
	}
	if merr != nil {
		return false, merr
	}

	if werr := os.WriteFile(filename, bytes, 0o644); werr != nil {
		return false, werr
	}
	return true, nil
}
