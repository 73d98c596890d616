package prom

import (
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/iti/aqmon"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSource struct {
	rslt *aqmon.Result
}

func (fs fixedSource) Result() *aqmon.Result {
	return fs.rslt
}

func twoFlowResult() *aqmon.Result {
	key := aqmon.FlowKey{
		SrcAddr:  netip.MustParseAddr("10.0.0.1"),
		DstAddr:  netip.MustParseAddr("10.0.1.1"),
		Protocol: aqmon.ProtoUDP,
		SrcPort:  5000,
		DstPort:  6000,
	}
	other := key
	other.SrcPort = 5001
	return &aqmon.Result{
		Name: "two",
		Flows: []aqmon.FlowRecord{
			{FlowID: 1, Flow: key.String(), Key: key, TxPackets: 10, RxPackets: 9, RxBytes: 9000, LostPackets: 1, ThroughputMbps: 1.5},
			{FlowID: 2, Flow: other.String(), Key: other, TxPackets: 10, RxPackets: 10, RxBytes: 10000, ThroughputMbps: 1.5},
		},
		Aggregate: aqmon.AggregateReport{Flows: 2, FairnessIndex: 1.0},
		Queue:     aqmon.QueueStats{UnforcedDrops: 1, Occupancy: 3, AvgQueueSize: 2.5},
	}
}

func TestCollectorCount(t *testing.T) {
	c := New(fixedSource{rslt: twoFlowResult()})
	// 7 per-flow metrics for 2 flows, then 3 drop reasons, 2 mark reasons and 4 scalars
	assert.Equal(t, 7*2+3+2+4, testutil.CollectAndCount(c))
	assert.Equal(t, 2, testutil.CollectAndCount(c, "aqmon_flow_rx_packets"))
	assert.Equal(t, 3, testutil.CollectAndCount(c, "aqmon_queue_drops"))
}

func TestCollectorNoFlows(t *testing.T) {
	c := New(fixedSource{rslt: &aqmon.Result{Name: "empty"}})
	assert.Equal(t, 0, testutil.CollectAndCount(c, "aqmon_flow_tx_packets"))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "aqmon_fairness_index"))
}

func TestHandlerServesMetrics(t *testing.T) {
	h, err := Handler(fixedSource{rslt: twoFlowResult()})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "aqmon_fairness_index"))
	assert.True(t, strings.Contains(body, `reason="unforced"`))
}
