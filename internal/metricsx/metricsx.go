// Package metricsx exposes the NMS runtime's internal counters as
// Prometheus text, following the same WritePrometheus convention the rest
// of the ambient stack uses.
package metricsx

import (
	"context"
	"io"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
)

// Transport counts reliable-datagram-transport events.
type Transport struct {
	sent        *metrics.Counter
	acked       *metrics.Counter
	retried     *metrics.Counter
	abandoned   *metrics.Counter
	dupDropped  *metrics.Counter
	badChecksum *metrics.Counter
	outOfOrder  *metrics.Counter
	flowPaused  *metrics.Counter
	flowResumed *metrics.Counter
}

// NewTransport creates counters scoped to role (e.g. "server" or "agent").
func NewTransport(role string) *Transport {
	return &Transport{
		sent:        metrics.GetOrCreateCounter(`nms_transport_sent_total{role="` + role + `"}`),
		acked:       metrics.GetOrCreateCounter(`nms_transport_acked_total{role="` + role + `"}`),
		retried:     metrics.GetOrCreateCounter(`nms_transport_retried_total{role="` + role + `"}`),
		abandoned:   metrics.GetOrCreateCounter(`nms_transport_abandoned_total{role="` + role + `"}`),
		dupDropped:  metrics.GetOrCreateCounter(`nms_transport_duplicate_dropped_total{role="` + role + `"}`),
		badChecksum: metrics.GetOrCreateCounter(`nms_transport_bad_checksum_total{role="` + role + `"}`),
		outOfOrder:  metrics.GetOrCreateCounter(`nms_transport_out_of_order_total{role="` + role + `"}`),
		flowPaused:  metrics.GetOrCreateCounter(`nms_transport_flow_paused_total{role="` + role + `"}`),
		flowResumed: metrics.GetOrCreateCounter(`nms_transport_flow_resumed_total{role="` + role + `"}`),
	}
}

func (t *Transport) Sent()        { t.sent.Inc() }
func (t *Transport) Acked()       { t.acked.Inc() }
func (t *Transport) Retried()     { t.retried.Inc() }
func (t *Transport) Abandoned()   { t.abandoned.Inc() }
func (t *Transport) DupDropped()  { t.dupDropped.Inc() }
func (t *Transport) BadChecksum() { t.badChecksum.Inc() }
func (t *Transport) OutOfOrder()  { t.outOfOrder.Inc() }
func (t *Transport) FlowPaused()  { t.flowPaused.Inc() }
func (t *Transport) FlowResumed() { t.flowResumed.Inc() }

// Registration counts agent registration outcomes on the server side.
type Registration struct {
	success           *metrics.Counter
	alreadyRegistered *metrics.Counter
	invalidID         *metrics.Counter
}

func NewRegistration() *Registration {
	return &Registration{
		success:           metrics.GetOrCreateCounter(`nms_registration_total{status="success"}`),
		alreadyRegistered: metrics.GetOrCreateCounter(`nms_registration_total{status="already_registered"}`),
		invalidID:         metrics.GetOrCreateCounter(`nms_registration_total{status="invalid_id"}`),
	}
}

func (r *Registration) Success()           { r.success.Inc() }
func (r *Registration) AlreadyRegistered() { r.alreadyRegistered.Inc() }
func (r *Registration) InvalidID()         { r.invalidID.Inc() }

// Probes counts probe adapter outcomes on the agent side.
type Probes struct {
	ok     *metrics.Counter
	failed *metrics.Counter
}

func NewProbes() *Probes {
	return &Probes{
		ok:     metrics.GetOrCreateCounter(`nms_probe_total{result="ok"}`),
		failed: metrics.GetOrCreateCounter(`nms_probe_total{result="failed"}`),
	}
}

func (p *Probes) OK()     { p.ok.Inc() }
func (p *Probes) Failed() { p.failed.Inc() }

// WriteAll writes process-level metrics plus all NMS counters registered in
// the default VictoriaMetrics/metrics registry to w.
func WriteAll(w io.Writer) {
	metrics.WriteProcessMetrics(w)
	metrics.WritePrometheus(w, false)
}

// ServeHTTP starts a minimal "/metrics" endpoint on addr, serving WriteAll's
// output as Prometheus text. It runs until ctx is cancelled; errors other
// than server shutdown are sent to errc.
func ServeHTTP(ctx context.Context, addr string, errc chan<- error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		WriteAll(w)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errc <- err
	}
}
