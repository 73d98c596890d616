package main

import (
	"encoding/csv"
	"os"
	"strconv"

	"github.com/iti/aqmon"
)

func writeCSV(filename string, rslt *aqmon.Result) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Write([]string{"FlowID", "Flow", "TxPackets", "RxPackets", "LostPackets", "MarkedPackets",
		"ThroughputMbps", "MeanDelayMs", "MeanJitterMs", "PdrPercent"})

	for _, fr := range rslt.Flows {
		err := w.Write([]string{
			strconv.Itoa(fr.FlowID),
			fr.Flow,
			strconv.FormatUint(fr.TxPackets, 10),
			strconv.FormatUint(fr.RxPackets, 10),
			strconv.FormatUint(fr.LostPackets, 10),
			strconv.FormatUint(fr.MarkedPackets, 10),
			strconv.FormatFloat(fr.ThroughputMbps, 'f', 6, 64),
			strconv.FormatFloat(fr.MeanDelayMs, 'f', 6, 64),
			strconv.FormatFloat(fr.MeanJitterMs, 'f', 6, 64),
			strconv.FormatFloat(fr.PdrPercent, 'f', 3, 64),
		})
		if err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
