package aqmon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestTraceManagerInactive(t *testing.T) {
	tm := CreateTraceManager("off", false)
	tm.AddQueueTrace(1.0, "red", "drop", nil, 3, 2.5, reasonForced)
	assert.NoError(t, tm.AddName(1, "flow", "flow"))
	assert.Equal(t, 0, tm.Count(""))

	written, err := tm.WriteToFile(filepath.Join(t.TempDir(), "trace.yaml"))
	assert.NoError(t, err)
	assert.False(t, written)

	var none *TraceManager
	assert.False(t, none.Active())
	assert.Equal(t, 0, none.Count("drop"))
}

func TestTraceManagerRecords(t *testing.T) {
	tm := CreateTraceManager("on", true)
	p := testPacket(9, 1, 1000)
	tm.AddQueueTrace(0.25, "red", "drop", &p, 3, 2.5, reasonUnforced)
	tm.AddQueueTrace(0.5, "red", "sample", nil, 2, 2.4, "")
	require.NoError(t, tm.AddName(1, testKey(1).String(), "flow"))
	assert.Error(t, tm.AddName(1, "again", "flow"))

	assert.Equal(t, 2, tm.Count(""))
	assert.Equal(t, 1, tm.Count("drop"))
	rec := tm.Traces[0]
	assert.Equal(t, 0.25, rec.Time)
	assert.Equal(t, uint64(9), rec.UID)
	assert.Equal(t, testKey(1).String(), rec.Flow)
	assert.Equal(t, "", tm.Traces[1].Flow)

	filename := filepath.Join(t.TempDir(), "trace.yaml")
	written, err := tm.WriteToFile(filename)
	require.NoError(t, err)
	assert.True(t, written)

	bytes, err := os.ReadFile(filename)
	require.NoError(t, err)
	back := TraceManager{}
	require.NoError(t, yaml.Unmarshal(bytes, &back))
	assert.Equal(t, "on", back.ExpName)
	assert.Len(t, back.Traces, 2)

	_, err = tm.WriteToFile(filepath.Join(t.TempDir(), "trace.csv"))
	assert.Error(t, err)
}
