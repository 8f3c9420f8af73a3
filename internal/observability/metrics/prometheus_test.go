package metrics_test

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i-melnichenko/studentkv/internal/consensus/raft"
	"github.com/i-melnichenko/studentkv/internal/observability/metrics"
	"github.com/i-melnichenko/studentkv/internal/service"
)

var (
	_ raft.Metrics    = (*metrics.Prometheus)(nil)
	_ service.Metrics = (*metrics.Prometheus)(nil)
)

func TestPrometheus_RecordsSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewPrometheus(reg)
	require.NoError(t, err)

	m.IncStudentWrite("1", "create", "ok")
	m.IncStudentWrite("1", "create", "ok")
	m.IncStudentWrite("1", "delete", "not_leader")
	m.SetStudentRecords("1", 12)
	m.SetRaftIsLeader("1", true)
	m.SetRaftTerm("1", 7)
	m.IncRaftSnapshotCreated("1", 2048)
	m.ObserveRaftClientWriteDuration("1", "ok", 3*time.Millisecond)

	n, err := testutil.GatherAndCount(reg, "studentkv_student_writes_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	gathered, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range gathered {
		for _, metric := range mf.GetMetric() {
			if g := metric.GetGauge(); g != nil {
				values[mf.GetName()] = g.GetValue()
			}
		}
	}
	expected := `
# HELP studentkv_student_writes_total Student writes by operation and result.
# TYPE studentkv_student_writes_total counter
studentkv_student_writes_total{node_id="1",op="create",result="ok"} 2
studentkv_student_writes_total{node_id="1",op="delete",result="not_leader"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "studentkv_student_writes_total"))
	assert.Equal(t, 12.0, values["studentkv_student_records"])
	assert.Equal(t, 1.0, values["studentkv_raft_is_leader"])
	assert.Equal(t, 7.0, values["studentkv_raft_term"])
	assert.Equal(t, 2048.0, values["studentkv_raft_snapshot_bytes"])
	n, err = testutil.GatherAndCount(reg, "studentkv_raft_client_write_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPrometheus_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := metrics.NewPrometheus(reg)
	require.NoError(t, err)
	second, err := metrics.NewPrometheus(reg)
	require.NoError(t, err)

	first.IncRaftElectionStarted("1")
	second.IncRaftElectionStarted("2")

	n, err := testutil.GatherAndCount(reg, "studentkv_raft_elections_started_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
