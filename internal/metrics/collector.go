// Package metrics exposes the transport's counters and gauges as
// Prometheus metrics. Collector is attached to a Transport optionally;
// the sender and receiver push updates to it through the narrow Sink
// interfaces they declare, never by reaching into its internals.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric on a private registry, so that running
// several transports in one process (as the loss-harness tests do)
// never collides on the global default registry.
type Collector struct {
	registry *prometheus.Registry

	rtt    prometheus.Gauge
	rttVar prometheus.Gauge
	rto    prometheus.Gauge

	timeoutRetx   prometheus.Counter
	fastRetx      prometheus.Counter
	malformed     prometheus.Counter
	checksumDrops prometheus.Counter
	sackBlocks    prometheus.Counter

	sendWindowOccupancy prometheus.Gauge
	reorderOccupancy    prometheus.Gauge

	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
}

// New returns a Collector registered on its own registry.
func New() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		rtt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duolink", Name: "rtt_seconds", Help: "Most recent round-trip time sample.",
		}),
		rttVar: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duolink", Name: "rttvar_seconds", Help: "RTT variance estimate.",
		}),
		rto: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duolink", Name: "rto_seconds", Help: "Current retransmission timeout.",
		}),
		timeoutRetx: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duolink", Name: "timeout_retransmits_total", Help: "Segments retransmitted after their deadline passed.",
		}),
		fastRetx: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duolink", Name: "fast_retransmits_total", Help: "Segments retransmitted on SACK-driven repair.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duolink", Name: "malformed_packets_total", Help: "Datagrams dropped for inconsistent framing.",
		}),
		checksumDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duolink", Name: "checksum_drops_total", Help: "Datagrams dropped for a bad checksum.",
		}),
		sackBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duolink", Name: "sack_blocks_emitted_total", Help: "SACK blocks emitted across all feedback packets.",
		}),
		sendWindowOccupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duolink", Name: "send_window_occupancy", Help: "Unacknowledged reliable segments currently in flight.",
		}),
		reorderOccupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duolink", Name: "reorder_buffer_occupancy", Help: "Out-of-order segments currently buffered.",
		}),
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duolink", Name: "packets_sent_total", Help: "Packets sent, by channel.",
		}, []string{"channel"}),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duolink", Name: "packets_received_total", Help: "Packets received, by channel.",
		}, []string{"channel"}),
	}

	registry.MustRegister(
		c.rtt, c.rttVar, c.rto,
		c.timeoutRetx, c.fastRetx, c.malformed, c.checksumDrops, c.sackBlocks,
		c.sendWindowOccupancy, c.reorderOccupancy,
		c.packetsSent, c.packetsReceived,
	)
	return c
}

// Handler serves the registry in the Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveRTT implements relsend.Sink.
func (c *Collector) ObserveRTT(d time.Duration) { c.rtt.Set(d.Seconds()) }

// ObserveRTO records the estimator's current rto; called by the
// facade once per poll step since the sender doesn't recompute it
// without a fresh sample.
func (c *Collector) ObserveRTO(d time.Duration) { c.rto.Set(d.Seconds()) }

// ObserveRTTVar records the estimator's current rttvar.
func (c *Collector) ObserveRTTVar(d time.Duration) { c.rttVar.Set(d.Seconds()) }

// IncTimeoutRetx implements relsend.Sink.
func (c *Collector) IncTimeoutRetx() { c.timeoutRetx.Inc() }

// IncFastRetx implements relsend.Sink.
func (c *Collector) IncFastRetx() { c.fastRetx.Inc() }

// SetSendWindowOccupancy implements relsend.Sink.
func (c *Collector) SetSendWindowOccupancy(n int) { c.sendWindowOccupancy.Set(float64(n)) }

// SetReorderOccupancy implements relrecv.Sink.
func (c *Collector) SetReorderOccupancy(n int) { c.reorderOccupancy.Set(float64(n)) }

// IncSackBlocksEmitted implements relrecv.Sink.
func (c *Collector) IncSackBlocksEmitted(n int) { c.sackBlocks.Add(float64(n)) }

// IncMalformed counts a dropped datagram with inconsistent framing.
func (c *Collector) IncMalformed() { c.malformed.Inc() }

// IncChecksumDrop counts a datagram dropped for a bad checksum.
func (c *Collector) IncChecksumDrop() { c.checksumDrops.Inc() }

// IncPacketsSent counts one outgoing packet on the named channel.
func (c *Collector) IncPacketsSent(channel string) { c.packetsSent.WithLabelValues(channel).Inc() }

// IncPacketsReceived counts one incoming packet on the named channel.
func (c *Collector) IncPacketsReceived(channel string) {
	c.packetsReceived.WithLabelValues(channel).Inc()
}
