package database

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStatsCollector exports pgxpool statistics.
type PoolStatsCollector struct {
	pool      *pgxpool.Pool
	component string

	acquired     *prometheus.Desc
	idle         *prometheus.Desc
	total        *prometheus.Desc
	maxConns     *prometheus.Desc
	acquireCount *prometheus.Desc
	acquireWait  *prometheus.Desc
}

func poolDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc("loyalty_db_pool_"+name, help, []string{"component"}, nil)
}

// NewPoolStatsCollector returns a collector for pool labelled with component.
func NewPoolStatsCollector(pool *pgxpool.Pool, component string) *PoolStatsCollector {
	return &PoolStatsCollector{
		pool:         pool,
		component:    component,
		acquired:     poolDesc("acquired_connections", "Number of currently acquired connections"),
		idle:         poolDesc("idle_connections", "Number of currently idle connections"),
		total:        poolDesc("total_connections", "Total number of connections in the pool"),
		maxConns:     poolDesc("max_connections", "Maximum number of connections allowed"),
		acquireCount: poolDesc("acquire_count_total", "Total number of connection acquires"),
		acquireWait:  poolDesc("acquire_duration_seconds_total", "Total time spent acquiring connections"),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquired
	ch <- c.idle
	ch <- c.total
	ch <- c.maxConns
	ch <- c.acquireCount
	ch <- c.acquireWait
}

// Collect implements prometheus.Collector.
func (c *PoolStatsCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()

	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(stat.AcquiredConns()), c.component)
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(stat.IdleConns()), c.component)
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(stat.TotalConns()), c.component)
	ch <- prometheus.MustNewConstMetric(c.maxConns, prometheus.GaugeValue, float64(stat.MaxConns()), c.component)
	ch <- prometheus.MustNewConstMetric(c.acquireCount, prometheus.CounterValue, float64(stat.AcquireCount()), c.component)
	ch <- prometheus.MustNewConstMetric(c.acquireWait, prometheus.CounterValue, stat.AcquireDuration().Seconds(), c.component)
}

// RegisterPoolMetrics registers a collector for pool with reg. A duplicate
// registration is ignored.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool, component string) error {
	err := reg.Register(NewPoolStatsCollector(pool, component))
	var already prometheus.AlreadyRegisteredError
	if err != nil && !errors.As(err, &already) {
		return fmt.Errorf("register pool metrics: %w", err)
	}
	return nil
}
