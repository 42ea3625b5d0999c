package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Attempt outcomes. Only OutcomePlaying and OutcomeFailed are counted in
// ProxyAttempts; the others appear in a view's attempt history only.
const (
	OutcomeStarted = "started"
	OutcomePlaying = "playing"
	OutcomeFailed  = "failed"
	OutcomeDropped = "dropped" // reached playing, then failed fatally
)

// ProxyAttempts counts session attempts per proxy and outcome. An attempt
// adds one to "started" when it is created and at most one more to
// "playing" or "failed", whichever it reaches first. The direct (native)
// attempt is recorded under the proxy name "direct".
var ProxyAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_relay_proxy_attempts_total",
	Help: "Playback attempts per proxy and outcome",
}, []string{"proxy", "outcome"})

// Exhausted counts failover runs that ran out of proxies.
var Exhausted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kptv_relay_exhausted_total",
	Help: "Sessions that exhausted every proxy",
})

// StreamErrors counts client and media errors per proxy, detail and severity.
var StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_relay_stream_errors_total",
	Help: "Stream errors reported by the playback engine",
}, []string{"proxy", "type", "fatal"})

// ActiveViews tracks open player views.
var ActiveViews = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kptv_relay_active_views",
	Help: "Number of open player views",
})

// Viewers tracks HTTP clients attached to each view's stream relay.
var Viewers = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "kptv_relay_viewers",
	Help: "Stream viewers connected per view",
}, []string{"view"})

// BytesTransferred tracks relayed bytes. direction is "in" for bytes appended
// by the playback engine and "out" for bytes delivered to viewers.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_relay_bytes_transferred_total",
	Help: "Total bytes relayed",
}, []string{"direction"})
