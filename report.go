package aqmon

// report.go derives cross-flow metrics from the flow statistics table.
// Nothing here is stored: every call recomputes from the table it is given.

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// AggregateReport summarizes all flows of a run
type AggregateReport struct {
	Flows               int     `json:"flows" yaml:"flows"`
	TotalTxPackets      uint64  `json:"totaltxpackets" yaml:"totaltxpackets"`
	TotalRxPackets      uint64  `json:"totalrxpackets" yaml:"totalrxpackets"`
	TotalTxBytes        uint64  `json:"totaltxbytes" yaml:"totaltxbytes"`
	TotalRxBytes        uint64  `json:"totalrxbytes" yaml:"totalrxbytes"`
	TotalLostPackets    uint64  `json:"totallostpackets" yaml:"totallostpackets"`
	WindowSeconds       float64 `json:"windowseconds" yaml:"windowseconds"`
	TotalThroughputMbps float64 `json:"totalthroughputmbps" yaml:"totalthroughputmbps"`
	OverallPdrPercent   float64 `json:"overallpdrpercent" yaml:"overallpdrpercent"`
	OverallMeanDelayMs  float64 `json:"overallmeandelayms" yaml:"overallmeandelayms"`
	OverallMeanJitterMs float64 `json:"overallmeanjitterms" yaml:"overallmeanjitterms"`
	FairnessIndex       float64 `json:"fairnessindex" yaml:"fairnessindex"`
}

// Reporter computes AggregateReports.  Window is the observation window in
// seconds used for throughput; zero means each flow's active window, and the
// span from the earliest transmission to the latest reception for the total.
type Reporter struct {
	Window float64
}

// NewReporter is a constructor
func NewReporter(window float64) *Reporter {
	return &Reporter{Window: math.Max(window, 0.0)}
}

// JainIndex returns (Σx)² / (n·Σx²), which lies in [1/n, 1].  It is 0 for an
// empty vector or one that is all zero.
func JainIndex(x []float64) float64 {
	if len(x) == 0 {
		return 0.0
	}
	sumSq := floats.Dot(x, x)
	if sumSq == 0 {
		return 0.0
	}
	sum := floats.Sum(x)
	return (sum * sum) / (float64(len(x)) * sumSq)
}

// Report builds the aggregate view of table
func (r *Reporter) Report(table FlowTable) AggregateReport {
	flows := table.Flows()
	rprt := AggregateReport{Flows: len(flows)}
	if len(flows) == 0 {
		return rprt
	}

	throughputs := make([]float64, len(flows))
	meanDelays := make([]float64, len(flows))
	meanJitters := make([]float64, len(flows))
	rxWeights := make([]float64, len(flows))
	jitterWeights := make([]float64, len(flows))

	firstTx := math.Inf(1)
	lastRx := math.Inf(-1)

	for idx := range flows {
		fs := &flows[idx]
		rprt.TotalTxPackets += fs.TxPackets
		rprt.TotalRxPackets += fs.RxPackets
		rprt.TotalTxBytes += fs.TxBytes
		rprt.TotalRxBytes += fs.RxBytes
		rprt.TotalLostPackets += fs.LostPackets

		throughputs[idx] = fs.Throughput(r.Window) / 1e6
		meanDelays[idx] = fs.MeanDelay()
		meanJitters[idx] = fs.MeanJitter()
		rxWeights[idx] = float64(fs.RxPackets)
		jitterWeights[idx] = math.Max(float64(fs.RxPackets)-1.0, 0.0)

		if fs.TxPackets > 0 {
			firstTx = math.Min(firstTx, fs.TimeFirstTx)
		}
		if fs.RxPackets > 0 {
			lastRx = math.Max(lastRx, fs.TimeLastRx)
		}
	}

	window := r.Window
	if window <= 0 && lastRx > firstTx {
		window = lastRx - firstTx
	}
	rprt.WindowSeconds = window
	if window > 0 {
		rprt.TotalThroughputMbps = float64(rprt.TotalRxBytes) * 8.0 / window / 1e6
	}
	if rprt.TotalTxPackets > 0 {
		rprt.OverallPdrPercent = 100.0 * float64(rprt.TotalRxPackets) / float64(rprt.TotalTxPackets)
	}

	// means weighted by how many samples each flow contributed
	if floats.Sum(rxWeights) > 0 {
		rprt.OverallMeanDelayMs = stat.Mean(meanDelays, rxWeights) * 1e3
	}
	if floats.Sum(jitterWeights) > 0 {
		rprt.OverallMeanJitterMs = stat.Mean(meanJitters, jitterWeights) * 1e3
	}

	rprt.FairnessIndex = JainIndex(throughputs)
	return rprt
}
