// Package metrics exposes Prometheus counters for the records service.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"recordkeeper/pkg/domain"
	"recordkeeper/pkg/queue"
)

// Recorder owns a private registry so tests and multiple servers do not collide.
type Recorder struct {
	registry      *prometheus.Registry
	storeWrites   *prometheus.CounterVec
	notifications *prometheus.CounterVec
	snapshotSaves *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r := &Recorder{
		registry: reg,
		storeWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "records",
			Name:      "store_writes_total",
			Help:      "Store mutations by entity and outcome.",
		}, []string{"entity", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "records",
			Name:      "notifications_total",
			Help:      "Notifications by stage: submitted, rejected, delivered, failed.",
		}, []string{"stage"}),
		snapshotSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "records",
			Name:      "snapshot_saves_total",
			Help:      "Snapshot saves by outcome.",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "records",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status class.",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(r.storeWrites, r.notifications, r.snapshotSaves, r.httpRequests)
	return r
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (r *Recorder) StoreWrite(entity string, err error) {
	r.storeWrites.WithLabelValues(entity, outcome(err)).Inc()
}

func (r *Recorder) Notification(stage string) {
	r.notifications.WithLabelValues(stage).Inc()
}

func (r *Recorder) SnapshotSave(err error) {
	r.snapshotSaves.WithLabelValues(outcome(err)).Inc()
}

func (r *Recorder) HTTPRequest(route, code string) {
	r.httpRequests.WithLabelValues(route, code).Inc()
}

// Deliverer counts delivered and failed notifications around next.
func (r *Recorder) Deliverer(next queue.Deliverer) queue.Deliverer {
	return queue.DelivererFunc(func(ctx context.Context, n domain.Notification) error {
		err := next.Deliver(ctx, n)
		if err != nil {
			r.Notification("failed")
		} else {
			r.Notification("delivered")
		}
		return err
	})
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
