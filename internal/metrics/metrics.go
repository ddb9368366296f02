// Package metrics собирает Prometheus-метрики привязки аккаунтов и решений gatekeeper.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder используется сервисами и middleware.
type Recorder interface {
	RecordTokenIssued(provider string)
	RecordLinkOutcome(provider, outcome string)
	RecordUnlink(provider, result string)
	RecordGatekeeperDecision(outcome string)
	RecordTokensPurged(count int64)
}

// Noop ничего не записывает (metrics.enabled=false и тесты).
type Noop struct{}

func (Noop) RecordTokenIssued(string)         {}
func (Noop) RecordLinkOutcome(string, string) {}
func (Noop) RecordUnlink(string, string)      {}
func (Noop) RecordGatekeeperDecision(string)  {}
func (Noop) RecordTokensPurged(int64)         {}

// Collector - реализация Recorder поверх Prometheus.
type Collector struct {
	tokensIssued *prometheus.CounterVec
	linkOutcomes *prometheus.CounterVec
	unlinks      *prometheus.CounterVec
	decisions    *prometheus.CounterVec
	tokensPurged prometheus.Counter
}

// NewCollector создает Collector и регистрирует метрики в reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkbio_linking_tokens_issued_total",
			Help: "Linking tokens issued after a successful re-authentication",
		}, []string{"provider"}),
		linkOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkbio_link_outcomes_total",
			Help: "Process-link results by target provider",
		}, []string{"provider", "outcome"}),
		unlinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkbio_unlink_total",
			Help: "Unlink attempts by provider and result",
		}, []string{"provider", "result"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkbio_gatekeeper_decisions_total",
			Help: "Gatekeeper decisions by outcome",
		}, []string{"outcome"}),
		tokensPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linkbio_linking_tokens_purged_total",
			Help: "Expired linking tokens removed by the cleanup loop",
		}),
	}

	reg.MustRegister(c.tokensIssued, c.linkOutcomes, c.unlinks, c.decisions, c.tokensPurged)
	return c
}

func (c *Collector) RecordTokenIssued(provider string) {
	c.tokensIssued.WithLabelValues(provider).Inc()
}

func (c *Collector) RecordLinkOutcome(provider, outcome string) {
	c.linkOutcomes.WithLabelValues(provider, outcome).Inc()
}

func (c *Collector) RecordUnlink(provider, result string) {
	c.unlinks.WithLabelValues(provider, result).Inc()
}

func (c *Collector) RecordGatekeeperDecision(outcome string) {
	c.decisions.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordTokensPurged(count int64) {
	if count > 0 {
		c.tokensPurged.Add(float64(count))
	}
}

// Handler возвращает HTTP-обработчик для скрейпа.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
