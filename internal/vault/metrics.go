package vault

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all vaultmesh metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Metrics holds all Prometheus metrics for a vault instance.
type Metrics struct {
	IngestsTotal       prometheus.Counter
	IngestRejectsTotal prometheus.Counter
	DownloadsTotal     prometheus.Counter
	DeletesTotal       prometheus.Counter
	ExpiredTotal       prometheus.Counter

	ObjectsActive prometheus.Gauge
	StoredMB      prometheus.Counter
	ShardUsedMB   *prometheus.GaugeVec
}

// NewMetrics creates vault metrics registered against reg. Pass Registry
// for production use, or a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		IngestsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "vaultmesh_ingests_total",
			Help: "Total objects accepted into the vault",
		}),
		IngestRejectsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "vaultmesh_ingest_rejects_total",
			Help: "Total ingests rejected for lack of shard capacity",
		}),
		DownloadsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "vaultmesh_downloads_total",
			Help: "Total object downloads served",
		}),
		DeletesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "vaultmesh_deletes_total",
			Help: "Total objects removed by owner request",
		}),
		ExpiredTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "vaultmesh_expired_total",
			Help: "Total objects removed by TTL expiration",
		}),
		ObjectsActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "vaultmesh_objects_active",
			Help: "Objects currently stored",
		}),
		StoredMB: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "vaultmesh_stored_mb_total",
			Help: "Cumulative megabytes accepted into the vault",
		}),
		ShardUsedMB: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "vaultmesh_shard_used_mb",
			Help: "Ledger-recorded usage per shard in megabytes",
		}, []string{"shard"}),
	}
}

// SetShardUsage publishes a ledger snapshot to the per-shard gauge.
func (m *Metrics) SetShardUsage(usage map[int]float64) {
	for shard, used := range usage {
		m.ShardUsedMB.WithLabelValues(strconv.Itoa(shard)).Set(used)
	}
}
