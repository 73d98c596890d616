package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/iti/aqmon"
	"github.com/iti/aqmon/pcapsrc"
	"github.com/iti/aqmon/prom"
	"github.com/iti/aqmon/store"
)

type runOptions struct {
	configPath string
	tracePath  string
	dbPath     string
	csvPath    string
	listen     string
	pcapPath   string
	pcapStart  float64
	verbose    bool
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runCmd := flag.NewFlagSet("run", flag.ExitOnError)
			opts := bindRunFlags(runCmd)
			_ = runCmd.Parse(os.Args[2:])
			if opts.configPath == "" && runCmd.NArg() > 0 {
				opts.configPath = runCmd.Arg(0)
			}
			os.Exit(runScenario(opts))
		case "check":
			checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
			configPath := checkCmd.String("config", "", "Path to scenario file")
			_ = checkCmd.Parse(os.Args[2:])
			if *configPath == "" && checkCmd.NArg() > 0 {
				*configPath = checkCmd.Arg(0)
			}
			os.Exit(checkScenario(*configPath))
		case "help", "-h", "--help":
			printHelp()
			return
		}
	}

	opts := bindRunFlags(flag.CommandLine)
	flag.Parse()
	if opts.configPath == "" && len(flag.Args()) > 0 {
		opts.configPath = flag.Arg(0)
	}
	os.Exit(runScenario(opts))
}

func bindRunFlags(fs *flag.FlagSet) *runOptions {
	opts := new(runOptions)
	fs.StringVar(&opts.configPath, "config", "", "Path to scenario file (.yaml or .json)")
	fs.StringVar(&opts.tracePath, "trace", "", "Write the queue trace to this file (.yaml or .json)")
	fs.StringVar(&opts.dbPath, "db", "", "Store the results in this SQLite database")
	fs.StringVar(&opts.csvPath, "csv", "", "Write per-flow results to this CSV file")
	fs.StringVar(&opts.listen, "listen", "", "Serve Prometheus metrics on this address after the run")
	fs.StringVar(&opts.pcapPath, "pcap", "", "Replay the packets of this capture through the bottleneck")
	fs.Float64Var(&opts.pcapStart, "pcap-start", 0.0, "Simulation time (seconds) of the first replayed packet")
	fs.BoolVar(&opts.verbose, "v", false, "Log queue decisions")
	return opts
}

func printHelp() {
	fmt.Println("usage: aqmon [run] [flags] scenario.yaml")
	fmt.Println("       aqmon check scenario.yaml")
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	bindRunFlags(fs)
	fs.SetOutput(os.Stdout)
	fs.PrintDefaults()
}

func checkScenario(path string) int {
	sc, err := aqmon.LoadScenario(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scenario invalid: %v\n", err)
		return 1
	}
	fmt.Printf("scenario valid: %s, %d flows, %g seconds\n", sc.Name, len(sc.Flows), sc.Duration)
	return 0
}

func runScenario(opts *runOptions) int {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := aqmon.NewLogger(level)

	if opts.configPath == "" {
		logger.Error("no scenario file given")
		printHelp()
		return 1
	}
	sc, err := aqmon.LoadScenario(opts.configPath)
	if err != nil {
		logger.Error("loading scenario failed", "error", err)
		return 1
	}
	if opts.tracePath != "" {
		sc.Trace.Enabled = true
		sc.Trace.File = opts.tracePath
	}

	sim, err := aqmon.BuildSimulation(sc, logger)
	if err != nil {
		logger.Error("building simulation failed", "error", err)
		return 1
	}

	if opts.pcapPath != "" {
		recs, err := pcapsrc.Load(opts.pcapPath)
		if err != nil {
			logger.Error("reading capture failed", "error", err)
			return 1
		}
		n := pcapsrc.Replay(sim.Traffic, recs, opts.pcapStart)
		logger.Info("capture scheduled for replay", "file", opts.pcapPath, "packets", n)
	}

	rslt, err := sim.Run()
	if err != nil {
		logger.Error("run failed", "error", err)
		return 1
	}
	printResult(rslt)

	if opts.csvPath != "" {
		if err := writeCSV(opts.csvPath, rslt); err != nil {
			logger.Error("writing csv failed", "error", err)
			return 1
		}
	}
	if opts.dbPath != "" {
		db, err := store.Open(opts.dbPath)
		if err != nil {
			logger.Error("opening results database failed", "error", err)
			return 1
		}
		runID, err := db.SaveRun(rslt)
		db.Close()
		if err != nil {
			logger.Error("saving run failed", "error", err)
			return 1
		}
		logger.Info("run stored", "db", opts.dbPath, "run", runID)
	}

	if opts.listen != "" {
		handler, err := prom.Handler(sim)
		if err != nil {
			logger.Error("metrics registration failed", "error", err)
			return 1
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", handler)
		go func() {
			if err := http.ListenAndServe(opts.listen, mux); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		logger.Info("serving metrics", "addr", opts.listen)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutdown requested")
	}
	return 0
}

func printResult(rslt *aqmon.Result) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "id\tflow\ttx\trx\tlost\tmarked\tMbps\tdelay ms\tjitter ms\tPDR %")
	for _, fr := range rslt.Flows {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%d\t%.3f\t%.3f\t%.3f\t%.2f\n",
			fr.FlowID, fr.Flow, fr.TxPackets, fr.RxPackets, fr.LostPackets, fr.MarkedPackets,
			fr.ThroughputMbps, fr.MeanDelayMs, fr.MeanJitterMs, fr.PdrPercent)
	}
	tw.Flush()

	agg := rslt.Aggregate
	qs := rslt.Queue
	fmt.Printf("\nflows %d  throughput %.3f Mbps  PDR %.2f%%  delay %.3f ms  jitter %.3f ms  fairness %.4f\n",
		agg.Flows, agg.TotalThroughputMbps, agg.OverallPdrPercent, agg.OverallMeanDelayMs,
		agg.OverallMeanJitterMs, agg.FairnessIndex)
	fmt.Printf("queue: dropped %d (unforced %d, forced %d, limit %d)  marked %d  link losses %d\n",
		qs.TotalDroppedPackets, qs.UnforcedDrops, qs.ForcedDrops, qs.QueueLimitDrops,
		qs.TotalMarkedPackets, rslt.LinkLosses)
}
