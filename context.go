package aqmon

import (
	"io"
	"log/slog"
	"os"
)

// SimulationContext carries what every component of a run shares: the event
// engine, the logger and the trace manager.  It is handed to each constructor;
// nothing in the package keeps run state in globals.
type SimulationContext struct {
	Sched Scheduler
	Log   *slog.Logger
	Trace *TraceManager
}

// NewSimulationContext is a constructor.  A nil logger discards log output and
// a nil trace manager disables tracing.
func NewSimulationContext(sched Scheduler, logger *slog.Logger, tm *TraceManager) *SimulationContext {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if tm == nil {
		tm = CreateTraceManager("", false)
	}
	return &SimulationContext{Sched: sched, Log: logger, Trace: tm}
}

// Now returns the scheduler's virtual time in seconds
func (ctx *SimulationContext) Now() float64 {
	return ctx.Sched.Now()
}

// NewLogger builds the text logger the command line tools use
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}
