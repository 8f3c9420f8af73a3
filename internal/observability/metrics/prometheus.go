//revive:disable:exported
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "studentkv"

// Prometheus exposes application metrics and can be injected into the service
// and raft layers. It implements both internal/service.Metrics and
// internal/consensus/raft.Metrics through method set compatibility, without
// importing those packages.
type Prometheus struct {
	studentWriteTotal    *prometheus.CounterVec
	studentWriteDuration *prometheus.HistogramVec
	studentRecords       *prometheus.GaugeVec

	raftAppendEntriesRPCDuration *prometheus.HistogramVec
	raftAppendEntriesRejectTotal *prometheus.CounterVec
	raftAppendEntriesRPCError    *prometheus.CounterVec
	raftInstallSnapshotRPCDur    *prometheus.HistogramVec
	raftInstallSnapshotSendBytes *prometheus.HistogramVec
	raftInstallSnapshotSendTotal *prometheus.CounterVec
	raftElectionStartedTotal     *prometheus.CounterVec
	raftElectionWonTotal         *prometheus.CounterVec
	raftElectionLostTotal        *prometheus.CounterVec
	raftStorageErrorTotal        *prometheus.CounterVec
	raftSnapshotCreatedTotal     *prometheus.CounterVec
	raftSnapshotBytes            *prometheus.GaugeVec
	raftApplyLag                 *prometheus.GaugeVec
	raftIsLeader                 *prometheus.GaugeVec
	raftTerm                     *prometheus.GaugeVec
	raftClientWriteDuration      *prometheus.HistogramVec
}

var (
	rpcBuckets   = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 0.5, 1}
	writeBuckets = []float64{0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5}
	byteBuckets  = prometheus.ExponentialBuckets(256, 4, 10)
)

func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Prometheus{
		studentWriteTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "student",
				Name:      "writes_total",
				Help:      "Student writes by operation and result.",
			},
			[]string{"node_id", "op", "result"},
		),
		studentWriteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "student",
				Name:      "write_duration_seconds",
				Help:      "Time from proposing a student write to its applied response.",
				Buckets:   writeBuckets,
			},
			[]string{"node_id", "op"},
		),
		studentRecords: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "student",
				Name:      "records",
				Help:      "Number of student records in the local replica after the last write.",
			},
			[]string{"node_id"},
		),
		raftAppendEntriesRPCDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "appendentries_rpc_duration_seconds",
				Help:      "AppendEntries RPC round-trip time from leader to peer.",
				Buckets:   rpcBuckets,
			},
			[]string{"node_id", "peer_id", "heartbeat"},
		),
		raftAppendEntriesRejectTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "appendentries_reject_total",
				Help:      "AppendEntries responses with success=false.",
			},
			[]string{"node_id", "peer_id", "heartbeat"},
		),
		raftAppendEntriesRPCError: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "appendentries_rpc_errors_total",
				Help:      "AppendEntries RPCs that failed in transport.",
			},
			[]string{"node_id", "peer_id", "heartbeat"},
		),
		raftInstallSnapshotRPCDur: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "installsnapshot_rpc_duration_seconds",
				Help:      "InstallSnapshot RPC round-trip time from leader to peer.",
				Buckets:   rpcBuckets,
			},
			[]string{"node_id", "peer_id"},
		),
		raftInstallSnapshotSendBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "installsnapshot_send_bytes",
				Help:      "Snapshot payload size sent by the leader.",
				Buckets:   byteBuckets,
			},
			[]string{"node_id", "peer_id"},
		),
		raftInstallSnapshotSendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "installsnapshot_send_total",
				Help:      "InstallSnapshot sends by result.",
			},
			[]string{"node_id", "peer_id", "result"},
		),
		raftElectionStartedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "elections_started_total",
				Help:      "Elections started by this node.",
			},
			[]string{"node_id"},
		),
		raftElectionWonTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "elections_won_total",
				Help:      "Elections won by this node.",
			},
			[]string{"node_id"},
		),
		raftElectionLostTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "elections_lost_total",
				Help:      "Elections lost by this node, by reason.",
			},
			[]string{"node_id", "reason"},
		),
		raftStorageErrorTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "storage_errors_total",
				Help:      "Persistence failures by operation.",
			},
			[]string{"node_id", "op"},
		),
		raftSnapshotCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "snapshots_created_total",
				Help:      "Local snapshots taken after the threshold was reached.",
			},
			[]string{"node_id"},
		),
		raftSnapshotBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "snapshot_bytes",
				Help:      "Size of the most recent local snapshot.",
			},
			[]string{"node_id"},
		),
		raftApplyLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "apply_lag_entries",
				Help:      "Committed entries not yet applied to the state machine.",
			},
			[]string{"node_id"},
		),
		raftIsLeader: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "is_leader",
				Help:      "1 if this node is the leader, 0 otherwise.",
			},
			[]string{"node_id"},
		),
		raftTerm: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "term",
				Help:      "Current Raft term.",
			},
			[]string{"node_id"},
		),
		raftClientWriteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "client_write_duration_seconds",
				Help:      "ClientWrite latency by result.",
				Buckets:   writeBuckets,
			},
			[]string{"node_id", "result"},
		),
	}

	if err := m.register(reg); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Prometheus) register(reg prometheus.Registerer) error {
	if err := registerOrReuse(reg, &m.studentWriteTotal); err != nil {
		return fmt.Errorf("register student writes counter: %w", err)
	}
	if err := registerOrReuse(reg, &m.studentWriteDuration); err != nil {
		return fmt.Errorf("register student write duration histogram: %w", err)
	}
	if err := registerOrReuse(reg, &m.studentRecords); err != nil {
		return fmt.Errorf("register student records gauge: %w", err)
	}
	if err := registerOrReuse(reg, &m.raftAppendEntriesRPCDuration); err != nil {
		return fmt.Errorf("register raft appendentries rpc histogram: %w", err)
	}
	if err := registerOrReuse(reg, &m.raftAppendEntriesRejectTotal); err != nil {
		return fmt.Errorf("register raft appendentries reject counter: %w", err)
	}
	if err := registerOrReuse(reg, &m.raftAppendEntriesRPCError); err != nil {
		return fmt.Errorf("register raft appendentries rpc error counter: %w", err)
	}
	if err := registerOrReuse(reg, &m.raftInstallSnapshotRPCDur); err != nil {
		return fmt.Errorf("register raft installsnapshot rpc duration histogram: %w", err)
	}
	if err := registerOrReuse(reg, &m.raftInstallSnapshotSendBytes); err != nil {
		return fmt.Errorf("register raft installsnapshot bytes histogram: %w", err)
	}
	if err := registerOrReuse(reg, &m.raftInstallSnapshotSendTotal); err != nil {
		return fmt.Errorf("register raft installsnapshot counter: %w", err)
	}
	if err := registerOrReuse(reg, &m.raftElectionStartedTotal); err != nil {
		return fmt.Errorf("register raft election started counter: %w", err)
	}
	if err := registerOrReuse(reg, &m.raftElectionWonTotal); err != nil {
		return fmt.Errorf("register raft election won counter: %w", err)
	}
	if err := registerOrReuse(reg, &m.raftElectionLostTotal); err != nil {
		return fmt.Errorf("register raft election lost counter: %w", err)
	}
	if err := registerOrReuse(reg, &m.raftStorageErrorTotal); err != nil {
		return fmt.Errorf("register raft storage error counter: %w", err)
	}
	if err := registerOrReuse(reg, &m.raftSnapshotCreatedTotal); err != nil {
		return fmt.Errorf("register raft snapshot counter: %w", err)
	}
	if err := registerOrReuse(reg, &m.raftSnapshotBytes); err != nil {
		return fmt.Errorf("register raft snapshot bytes gauge: %w", err)
	}
	if err := registerOrReuse(reg, &m.raftApplyLag); err != nil {
		return fmt.Errorf("register raft apply lag gauge: %w", err)
	}
	if err := registerOrReuse(reg, &m.raftIsLeader); err != nil {
		return fmt.Errorf("register raft is_leader gauge: %w", err)
	}
	if err := registerOrReuse(reg, &m.raftTerm); err != nil {
		return fmt.Errorf("register raft term gauge: %w", err)
	}
	if err := registerOrReuse(reg, &m.raftClientWriteDuration); err != nil {
		return fmt.Errorf("register raft client write histogram: %w", err)
	}
	return nil
}

// registerOrReuse registers *c, or swaps in the collector already registered
// under the same descriptor so two nodes in one process share series.
func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c *C) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(C)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func (m *Prometheus) IncStudentWrite(nodeID, op, result string) {
	m.studentWriteTotal.WithLabelValues(nodeID, op, result).Inc()
}

func (m *Prometheus) ObserveStudentWriteDuration(nodeID, op string, d time.Duration) {
	m.studentWriteDuration.WithLabelValues(nodeID, op).Observe(d.Seconds())
}

func (m *Prometheus) SetStudentRecords(nodeID string, n int) {
	m.studentRecords.WithLabelValues(nodeID).Set(float64(n))
}

func (m *Prometheus) ObserveRaftAppendEntriesRPCDuration(nodeID, peerID string, heartbeat bool, d time.Duration) {
	m.raftAppendEntriesRPCDuration.WithLabelValues(nodeID, peerID, boolString(heartbeat)).Observe(d.Seconds())
}

func (m *Prometheus) IncRaftAppendEntriesReject(nodeID, peerID string, heartbeat bool) {
	m.raftAppendEntriesRejectTotal.WithLabelValues(nodeID, peerID, boolString(heartbeat)).Inc()
}

func (m *Prometheus) IncRaftAppendEntriesRPCError(nodeID, peerID string, heartbeat bool) {
	m.raftAppendEntriesRPCError.WithLabelValues(nodeID, peerID, boolString(heartbeat)).Inc()
}

func (m *Prometheus) ObserveRaftInstallSnapshotRPCDuration(nodeID, peerID string, d time.Duration) {
	m.raftInstallSnapshotRPCDur.WithLabelValues(nodeID, peerID).Observe(d.Seconds())
}

func (m *Prometheus) ObserveRaftInstallSnapshotSendBytes(nodeID, peerID string, n int) {
	m.raftInstallSnapshotSendBytes.WithLabelValues(nodeID, peerID).Observe(float64(max(n, 0)))
}

func (m *Prometheus) IncRaftInstallSnapshotSend(nodeID, peerID, result string) {
	m.raftInstallSnapshotSendTotal.WithLabelValues(nodeID, peerID, result).Inc()
}

func (m *Prometheus) IncRaftElectionStarted(nodeID string) {
	m.raftElectionStartedTotal.WithLabelValues(nodeID).Inc()
}

func (m *Prometheus) IncRaftElectionWon(nodeID string) {
	m.raftElectionWonTotal.WithLabelValues(nodeID).Inc()
}

func (m *Prometheus) IncRaftElectionLost(nodeID, reason string) {
	m.raftElectionLostTotal.WithLabelValues(nodeID, reason).Inc()
}

func (m *Prometheus) IncRaftStorageError(nodeID, op string) {
	m.raftStorageErrorTotal.WithLabelValues(nodeID, op).Inc()
}

func (m *Prometheus) IncRaftSnapshotCreated(nodeID string, bytes int) {
	m.raftSnapshotCreatedTotal.WithLabelValues(nodeID).Inc()
	m.raftSnapshotBytes.WithLabelValues(nodeID).Set(float64(max(bytes, 0)))
}

func (m *Prometheus) SetRaftApplyLag(nodeID string, lag uint64) {
	m.raftApplyLag.WithLabelValues(nodeID).Set(float64(lag))
}

func (m *Prometheus) SetRaftIsLeader(nodeID string, isLeader bool) {
	if isLeader {
		m.raftIsLeader.WithLabelValues(nodeID).Set(1)
		return
	}
	m.raftIsLeader.WithLabelValues(nodeID).Set(0)
}

func (m *Prometheus) SetRaftTerm(nodeID string, term uint64) {
	m.raftTerm.WithLabelValues(nodeID).Set(float64(term))
}

func (m *Prometheus) ObserveRaftClientWriteDuration(nodeID, result string, d time.Duration) {
	m.raftClientWriteDuration.WithLabelValues(nodeID, result).Observe(d.Seconds())
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
