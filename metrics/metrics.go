// Package metrics implements the ambient metrics component: the Prometheus
// instrumentation surface for market clearing, planning and protection
// activity, grounded on the pack's Registry/promauto pattern.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric the coordinator exports.
type Registry struct {
	registry *prometheus.Registry

	BidsSubmittedTotal   *prometheus.CounterVec
	BidsAcceptedTotal    *prometheus.CounterVec
	BidsRejectedTotal    *prometheus.CounterVec
	ClearedQuantityW     prometheus.Gauge
	ClearedRate          prometheus.Gauge
	MarketClearDuration  prometheus.Histogram

	PlanDuration       prometheus.Histogram
	PlanExpectedCost   prometheus.Gauge
	PlanNetPowerW      prometheus.Gauge

	FaultZoneState      *prometheus.GaugeVec
	FaultTransitionsTotal *prometheus.CounterVec
	FaultLockedOutZones prometheus.Gauge

	IslandGroupsTotal prometheus.Gauge

	TagReadErrorsTotal  *prometheus.CounterVec
	TagWriteErrorsTotal *prometheus.CounterVec
}

// NewRegistry constructs a Registry with every metric initialized against
// a fresh prometheus.Registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{registry: reg}

	r.BidsSubmittedTotal = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "microgrid_bids_submitted_total",
		Help: "Total number of bids submitted, by side.",
	}, []string{"side"})

	r.BidsAcceptedTotal = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "microgrid_bids_accepted_total",
		Help: "Total number of bids accepted during clearing, by side.",
	}, []string{"side"})

	r.BidsRejectedTotal = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "microgrid_bids_rejected_total",
		Help: "Total number of bids rejected during clearing, by side.",
	}, []string{"side"})

	r.ClearedQuantityW = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "microgrid_cleared_quantity_watts",
		Help: "Energy quantity cleared in the most recent market pass.",
	})

	r.ClearedRate = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "microgrid_cleared_rate",
		Help: "Settlement rate of the most recent market pass.",
	})

	r.MarketClearDuration = promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
		Name:    "microgrid_market_clear_duration_seconds",
		Help:    "Wall-clock duration of a market clearing pass.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	r.PlanDuration = promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
		Name:    "microgrid_plan_duration_seconds",
		Help:    "Wall-clock duration of a home's backward induction solve.",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10},
	})

	r.PlanExpectedCost = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "microgrid_plan_expected_cost",
		Help: "Expected energy cost of the most recently solved plan.",
	})

	r.PlanNetPowerW = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "microgrid_plan_net_power_watts",
		Help: "Net power the most recently solved plan dispatches.",
	})

	r.FaultZoneState = promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
		Name: "microgrid_fault_zone_state",
		Help: "Current fault state machine state per zone (enum value).",
	}, []string{"zone"})

	r.FaultTransitionsTotal = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "microgrid_fault_transitions_total",
		Help: "Total fault state machine transitions, by zone and resulting state.",
	}, []string{"zone", "state"})

	r.FaultLockedOutZones = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "microgrid_fault_locked_out_zones",
		Help: "Number of protection zones currently locked out.",
	})

	r.IslandGroupsTotal = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "microgrid_island_groups_total",
		Help: "Number of electrically disjoint groups the topology currently has.",
	})

	r.TagReadErrorsTotal = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "microgrid_tag_read_errors_total",
		Help: "Total Modbus tag read failures, by tag name.",
	}, []string{"tag"})

	r.TagWriteErrorsTotal = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "microgrid_tag_write_errors_total",
		Help: "Total Modbus tag write failures, by tag name.",
	}, []string{"tag"})

	return r
}

// PrometheusRegistry returns the underlying prometheus.Registry, for
// mounting an exposition handler.
func (r *Registry) PrometheusRegistry() *prometheus.Registry { return r.registry }

// RecordClear records the outcome of one market clearing pass.
func (r *Registry) RecordClear(side string, accepted, rejected int, clearedQuantityW, clearedRate float64, duration time.Duration) {
	r.BidsAcceptedTotal.WithLabelValues(side).Add(float64(accepted))
	r.BidsRejectedTotal.WithLabelValues(side).Add(float64(rejected))
	r.ClearedQuantityW.Set(clearedQuantityW)
	r.ClearedRate.Set(clearedRate)
	r.MarketClearDuration.Observe(duration.Seconds())
}

// RecordPlan records the outcome of one home's planning solve.
func (r *Registry) RecordPlan(expectedCost, netPowerW float64, duration time.Duration) {
	r.PlanExpectedCost.Set(expectedCost)
	r.PlanNetPowerW.Set(netPowerW)
	r.PlanDuration.Observe(duration.Seconds())
}

// RecordFaultTransition records a zone entering a new fault state.
func (r *Registry) RecordFaultTransition(zone, state string, stateValue int) {
	r.FaultZoneState.WithLabelValues(zone).Set(float64(stateValue))
	r.FaultTransitionsTotal.WithLabelValues(zone, state).Inc()
}

// SetLockedOutZones updates the count of currently locked-out zones.
func (r *Registry) SetLockedOutZones(n int) { r.FaultLockedOutZones.Set(float64(n)) }

// SetIslandGroups updates the count of electrically disjoint groups.
func (r *Registry) SetIslandGroups(n int) { r.IslandGroupsTotal.Set(float64(n)) }

// RecordTagReadError increments the read-error counter for a tag.
func (r *Registry) RecordTagReadError(tag string) { r.TagReadErrorsTotal.WithLabelValues(tag).Inc() }

// RecordTagWriteError increments the write-error counter for a tag.
func (r *Registry) RecordTagWriteError(tag string) {
	r.TagWriteErrorsTotal.WithLabelValues(tag).Inc()
}
