package infra

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes market-maker counters on a Prometheus registry.
// A nil *Metrics is valid and records nothing.
//
//   - vspmm_trades_total{side}                      committed trades
//   - vspmm_trade_volume_vsp_total{side}            tokens moved by committed trades
//   - vspmm_trade_notional_usdc_total{side}         USDC settled by committed trades
//   - vspmm_trade_rejections_total{reason}          trades refused before any transfer
//   - vspmm_transfer_failures_total{leg,ambiguous}  failed or unconfirmed transfers
//   - vspmm_reconciliations_total                   alerts raised for unknown outcomes
//   - vspmm_oracle_failures_total                   pricing calls without a reference
//   - vspmm_execute_duration_seconds{result}        end-to-end Execute latency
//   - vspmm_net_position / vspmm_usdc_reserves / vspmm_vsp_circulating / vspmm_floor_price
type Metrics struct {
	trades         *prometheus.CounterVec
	volume         *prometheus.CounterVec
	notional       *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	transferErrors *prometheus.CounterVec
	reconciliation prometheus.Counter
	oracleErrors   prometheus.Counter
	duration       *prometheus.HistogramVec

	netPosition prometheus.Gauge
	reserves    prometheus.Gauge
	circulating prometheus.Gauge
	floor       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vspmm_trades_total",
			Help: "Committed trades",
		}, []string{"side"}),
		volume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vspmm_trade_volume_vsp_total",
			Help: "VSP moved by committed trades",
		}, []string{"side"}),
		notional: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vspmm_trade_notional_usdc_total",
			Help: "USDC settled by committed trades",
		}, []string{"side"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vspmm_trade_rejections_total",
			Help: "Trades refused before any transfer was attempted",
		}, []string{"reason"}),
		transferErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vspmm_transfer_failures_total",
			Help: "External transfers that failed or did not confirm",
		}, []string{"leg", "ambiguous"}),
		reconciliation: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vspmm_reconciliations_total",
			Help: "Reconciliation alerts raised for trades with unknown external effects",
		}),
		oracleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vspmm_oracle_failures_total",
			Help: "Pricing calls that could not obtain a reference price",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vspmm_execute_duration_seconds",
			Help:    "End-to-end trade execution latency",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"result"}),
		netPosition: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vspmm_net_position",
			Help: "Net VSP position after the last commit",
		}),
		reserves: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vspmm_usdc_reserves",
			Help: "USDC reserves after the last commit",
		}),
		circulating: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vspmm_vsp_circulating",
			Help: "Circulating VSP after the last commit",
		}),
		floor: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vspmm_floor_price",
			Help: "Liquidation floor price (reserves / circulating) after the last commit",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.trades, m.volume, m.notional, m.rejections, m.transferErrors,
			m.reconciliation, m.oracleErrors, m.duration,
			m.netPosition, m.reserves, m.circulating, m.floor,
		)
	}
	return m
}

// RecordTrade records a committed trade.
func (m *Metrics) RecordTrade(side string, quantity int64, amount float64) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(side).Inc()
	m.volume.WithLabelValues(side).Add(float64(quantity))
	m.notional.WithLabelValues(side).Add(amount)
}

// RecordRejection records a trade refused before settlement.
func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// RecordTransferFailure records a failed transfer leg.
func (m *Metrics) RecordTransferFailure(leg string, ambiguous bool) {
	if m == nil {
		return
	}
	a := "false"
	if ambiguous {
		a = "true"
	}
	m.transferErrors.WithLabelValues(leg, a).Inc()
}

// RecordReconciliation records a raised reconciliation alert.
func (m *Metrics) RecordReconciliation() {
	if m == nil {
		return
	}
	m.reconciliation.Inc()
}

// RecordOracleFailure records a pricing call without a reference price.
func (m *Metrics) RecordOracleFailure() {
	if m == nil {
		return
	}
	m.oracleErrors.Inc()
}

// ObserveExecute records one Execute call's latency.
func (m *Metrics) ObserveExecute(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(result).Observe(d.Seconds())
}

// SetLedger publishes the committed ledger balances.
func (m *Metrics) SetLedger(netPosition int64, reserves, circulating, floor float64) {
	if m == nil {
		return
	}
	m.netPosition.Set(float64(netPosition))
	m.reserves.Set(reserves)
	m.circulating.Set(circulating)
	m.floor.Set(floor)
}
