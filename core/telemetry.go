package core

// Telemetry counters and gauges for the bridge, storage and transport
// subsystems. All metrics live on a dedicated registry so embedding
// applications can expose them without inheriting the default registry's
// process collectors twice.

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRegistry is the registry every core metric is registered on.
var MetricsRegistry = prometheus.NewRegistry()

var telemetryOnce sync.Once

var (
	// Bridge flow counters. Incremented only after the storage batch for
	// the operation has committed.
	BridgeDepositsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tb_bridge_deposits_total",
		Help: "Accepted bridge deposits.",
	})
	BridgeRewardClaimsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tb_bridge_reward_claims_total",
		Help: "Reward claims paid out to relayers.",
	})
	BridgeRewardApprovalsConsumedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tb_bridge_reward_approvals_consumed_total",
		Help: "Governance reward approvals fully consumed and deleted.",
	})
	BridgeSettlementResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_bridge_settlement_results_total",
		Help: "Settlement proof submissions by outcome.",
	}, []string{"result", "reason"})
	BridgeDisputeOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_bridge_dispute_outcomes_total",
		Help: "Dispute resolution outcomes by stage.",
	}, []string{"stage", "outcome"})

	// Storage facade gauges, labelled by column family and backend.
	StorageEngineInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tb_storage_engine_info",
		Help: "Active storage backend per column family (value is always 1).",
	}, []string{"cf", "backend"})
	StorageEnginePendingCompactions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tb_storage_engine_pending_compactions",
		Help: "Compactions waiting to run.",
	}, []string{"cf", "backend"})
	StorageEngineRunningCompactions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tb_storage_engine_running_compactions",
		Help: "Compactions currently running.",
	}, []string{"cf", "backend"})
	StorageEngineLevel0Files = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tb_storage_engine_level0_files",
		Help: "Level-0 file count.",
	}, []string{"cf", "backend"})
	StorageEngineSSTBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tb_storage_engine_sst_bytes",
		Help: "Total SST bytes.",
	}, []string{"cf", "backend"})
	StorageEngineMemtableBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tb_storage_engine_memtable_bytes",
		Help: "Bytes held in memtables.",
	}, []string{"cf", "backend"})
	StorageEngineSizeBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tb_storage_engine_size_bytes",
		Help: "Size on disk.",
	}, []string{"cf", "backend"})
	StorageDiskFullTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tb_storage_disk_full_total",
		Help: "Writes rejected because the disk is full.",
	})
	StorageCompactionTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tb_storage_compaction_total",
		Help: "Manual compactions requested through the facade.",
	})

	// Transport counters.
	TLSHandshakeFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_tls_handshake_failures_total",
		Help: "Mutual-TLS handshake failures by cause.",
	}, []string{"cause"})
	TransportRetransmitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tb_transport_retransmits_total",
		Help: "Client hello retransmissions on the in-house adapter.",
	})
)

func init() {
	telemetryOnce.Do(func() {
		MetricsRegistry.MustRegister(
			BridgeDepositsTotal,
			BridgeRewardClaimsTotal,
			BridgeRewardApprovalsConsumedTotal,
			BridgeSettlementResultsTotal,
			BridgeDisputeOutcomesTotal,
			StorageEngineInfo,
			StorageEnginePendingCompactions,
			StorageEngineRunningCompactions,
			StorageEngineLevel0Files,
			StorageEngineSSTBytes,
			StorageEngineMemtableBytes,
			StorageEngineSizeBytes,
			StorageDiskFullTotal,
			StorageCompactionTotal,
			TLSHandshakeFailuresTotal,
			TransportRetransmitsTotal,
		)
	})
}
