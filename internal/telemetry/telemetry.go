package telemetry

import (
	"net/http"
	"time"

	metrics "github.com/hashicorp/go-metrics"
)

const ServiceName = "wearlink"

// Metric keys. Labels carry vendor and outcome so one key covers all vendors.
var (
	KeyRefresh         = []string{"connector", "refresh"}
	KeyRefreshShared   = []string{"connector", "refresh", "shared"}
	KeyRefreshFailed   = []string{"connector", "refresh", "failed"}
	KeyVendorRequest   = []string{"connector", "vendor", "request"}
	KeyWebhookAccepted = []string{"webhook", "accepted"}
	KeyWebhookRejected = []string{"webhook", "rejected"}
	KeyPublish         = []string{"queue", "publish"}
	KeyDeadLetter      = []string{"queue", "dead_letter"}
	KeyRateLimited     = []string{"ratelimit", "rejected"}
	KeyStorageRetry    = []string{"tokenstore", "storage", "retry"}
	KeyTokenCacheHit   = []string{"tokenstore", "cache", "hit"}
	KeyTokenCacheMiss  = []string{"tokenstore", "cache", "miss"}
	KeyPullRecords     = []string{"core", "pull", "records"}
)

// Sink is the in-memory sink behind /v1/sys/metrics.
type Sink struct {
	inm *metrics.InmemSink
}

// Setup installs a global go-metrics registry backed by an in-memory sink
// holding one minute of ten second intervals.
func Setup() (*Sink, error) {
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	cfg := metrics.DefaultConfig(ServiceName)
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false
	if _, err := metrics.NewGlobal(cfg, inm); err != nil {
		return nil, err
	}
	return &Sink{inm: inm}, nil
}

// Display renders the current intervals as JSON.
func (s *Sink) Display(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	return s.inm.DisplayMetrics(w, r)
}

func Label(name, value string) metrics.Label {
	return metrics.Label{Name: name, Value: value}
}

// Incr bumps a counter, labelled by vendor when one is given.
func Incr(key []string, vendor string, labels ...metrics.Label) {
	if vendor != "" {
		labels = append(labels, Label("vendor", vendor))
	}
	metrics.IncrCounterWithLabels(key, 1, labels)
}

// Add is Incr with an explicit amount.
func Add(key []string, vendor string, n float32, labels ...metrics.Label) {
	if vendor != "" {
		labels = append(labels, Label("vendor", vendor))
	}
	metrics.IncrCounterWithLabels(key, n, labels)
}

// MeasureSince records a timing sample.
func MeasureSince(key []string, start time.Time, vendor string) {
	var labels []metrics.Label
	if vendor != "" {
		labels = append(labels, Label("vendor", vendor))
	}
	metrics.MeasureSinceWithLabels(key, start, labels)
}
