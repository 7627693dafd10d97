package tally

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// PebbleCollector exports the storage engine's own health next to the
// tally metrics. Rebuilds lean on range deletes and bulk writes, so
// compaction debt and WAL growth are the first things to watch when a
// repair run slows down.
type PebbleCollector struct {
	db *pebble.DB

	compactionCount   *prometheus.Desc
	compactionDebt    *prometheus.Desc
	compactionRunning *prometheus.Desc
	flushCount        *prometheus.Desc

	memtableSize  *prometheus.Desc
	memtableCount *prometheus.Desc

	walFiles        *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesWritten *prometheus.Desc

	diskUsage *prometheus.Desc
	readAmp   *prometheus.Desc
}

func NewPebbleCollector(db *pebble.DB) *PebbleCollector {
	return &PebbleCollector{
		db: db,

		compactionCount: prometheus.NewDesc(
			"tally_pebble_compaction_count_total",
			"Total number of compactions performed",
			nil, nil,
		),
		compactionDebt: prometheus.NewDesc(
			"tally_pebble_compaction_estimated_debt_bytes",
			"Estimated number of bytes awaiting compaction",
			nil, nil,
		),
		compactionRunning: prometheus.NewDesc(
			"tally_pebble_compaction_in_progress_bytes",
			"Bytes being compacted right now",
			nil, nil,
		),
		flushCount: prometheus.NewDesc(
			"tally_pebble_flush_count_total",
			"Total number of memtable flushes",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"tally_pebble_memtable_size_bytes",
			"Current size of the memtables",
			nil, nil,
		),
		memtableCount: prometheus.NewDesc(
			"tally_pebble_memtable_count",
			"Number of memtables",
			nil, nil,
		),
		walFiles: prometheus.NewDesc(
			"tally_pebble_wal_files",
			"Number of live WAL files",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"tally_pebble_wal_size_bytes",
			"Size of the live WAL files",
			nil, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"tally_pebble_wal_bytes_written_total",
			"Total bytes written to the WAL",
			nil, nil,
		),
		diskUsage: prometheus.NewDesc(
			"tally_pebble_disk_usage_bytes",
			"Total disk space used by the database",
			nil, nil,
		),
		readAmp: prometheus.NewDesc(
			"tally_pebble_read_amplification",
			"Current read amplification across all levels",
			nil, nil,
		),
	}
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.compactionCount
	ch <- pc.compactionDebt
	ch <- pc.compactionRunning
	ch <- pc.flushCount
	ch <- pc.memtableSize
	ch <- pc.memtableCount
	ch <- pc.walFiles
	ch <- pc.walSize
	ch <- pc.walBytesWritten
	ch <- pc.diskUsage
	ch <- pc.readAmp
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	metrics := pc.db.Metrics()

	ch <- prometheus.MustNewConstMetric(
		pc.compactionCount,
		prometheus.CounterValue,
		float64(metrics.Compact.Count),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.compactionDebt,
		prometheus.GaugeValue,
		float64(metrics.Compact.EstimatedDebt),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.compactionRunning,
		prometheus.GaugeValue,
		float64(metrics.Compact.InProgressBytes),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.flushCount,
		prometheus.CounterValue,
		float64(metrics.Flush.Count),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.memtableSize,
		prometheus.GaugeValue,
		float64(metrics.MemTable.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.memtableCount,
		prometheus.GaugeValue,
		float64(metrics.MemTable.Count),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.walFiles,
		prometheus.GaugeValue,
		float64(metrics.WAL.Files),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.walSize,
		prometheus.GaugeValue,
		float64(metrics.WAL.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.walBytesWritten,
		prometheus.CounterValue,
		float64(metrics.WAL.BytesWritten),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.diskUsage,
		prometheus.GaugeValue,
		float64(metrics.DiskSpaceUsage()),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.readAmp,
		prometheus.GaugeValue,
		float64(metrics.ReadAmp()),
	)
}
