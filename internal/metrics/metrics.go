// Package metrics exposes Prometheus instrumentation for the bridge
// plus a cheap local mirror so counters can be logged in-process without
// scraping.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/duetocode/go-whisper-bridge/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	LinkRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whisper_link_rx_frames_total",
		Help: "Total DATA frames accepted from the serial link.",
	})
	LinkTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whisper_link_tx_frames_total",
		Help: "Total DATA frames handed to the link for transmission.",
	})
	LinkSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whisper_link_send_failures_total",
		Help: "Total sends abandoned after exhausting the retry budget.",
	})
	TCPRxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_packets_total",
		Help: "Total payload packets received from TCP clients.",
	})
	TCPTxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_packets_total",
		Help: "Total payload packets sent to TCP clients.",
	})
	HubDroppedPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_packets_total",
		Help: "Total packets dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued packets among clients since last sample window.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued packets per client in last sample.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total malformed inbound units (oversize or truncated client packets).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead      = "tcp_read"
	ErrTCPWrite     = "tcp_write"
	ErrHandshake    = "handshake"
	ErrSerialWrite  = "serial_write"
	ErrSerialRead   = "serial_read"
	ErrLinkBusy     = "link_busy"
	ErrLinkInternal = "link_internal"
)

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localLinkRx     uint64
	localLinkTx     uint64
	localLinkFail   uint64
	localTCPRx      uint64
	localTCPTx      uint64
	localHubDrop    uint64
	localHubKick    uint64
	localHubReject  uint64
	localErrors     uint64
	localHubClients uint64
	localFanout     uint64
	localMalformed  uint64
	localQDMax      uint64
	localQDAvg      uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	LinkRx           uint64
	LinkTx           uint64
	SendFailures     uint64
	TCPRx            uint64
	TCPTx            uint64
	HubDrops         uint64
	HubKicks         uint64
	HubRejects       uint64
	Errors           uint64 // sum across error labels
	HubClients       uint64
	Fanout           uint64
	Malformed        uint64
	QueueDepthMax    uint64
	QueueDepthAvg    uint64
}

func Snap() Snapshot {
	return Snapshot{
		LinkRx:           atomic.LoadUint64(&localLinkRx),
		LinkTx:           atomic.LoadUint64(&localLinkTx),
		SendFailures:     atomic.LoadUint64(&localLinkFail),
		TCPRx:            atomic.LoadUint64(&localTCPRx),
		TCPTx:            atomic.LoadUint64(&localTCPTx),
		HubDrops:         atomic.LoadUint64(&localHubDrop),
		HubKicks:         atomic.LoadUint64(&localHubKick),
		HubRejects:       atomic.LoadUint64(&localHubReject),
		Errors:           atomic.LoadUint64(&localErrors),
		HubClients:       atomic.LoadUint64(&localHubClients),
		Fanout:           atomic.LoadUint64(&localFanout),
		Malformed:        atomic.LoadUint64(&localMalformed),
		QueueDepthMax:    atomic.LoadUint64(&localQDMax),
		QueueDepthAvg:    atomic.LoadUint64(&localQDAvg),
	}
}

// Wrapper helpers to keep call sites simple.
func IncLinkRx() {
	LinkRxFrames.Inc()
	atomic.AddUint64(&localLinkRx, 1)
}

func IncLinkTx() {
	LinkTxFrames.Inc()
	atomic.AddUint64(&localLinkTx, 1)
}

// IncSendFailure counts a send abandoned after retry exhaustion.
func IncSendFailure() {
	LinkSendFailures.Inc()
	atomic.AddUint64(&localLinkFail, 1)
}

func IncTCPRx() {
	TCPRxPackets.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxPackets.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedPackets.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrSerialWrite, ErrSerialRead,
		ErrLinkBusy, ErrLinkInternal,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
