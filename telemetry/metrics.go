package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// CommitBuckets for appends, dominated by the store's fsync
	CommitBuckets = []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

	// WaitBuckets for ordering guard contention
	WaitBuckets = []float64{0.00001, 0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}
)

// Append Metrics
var (
	// AppendsTotal counts appended events by result
	AppendsTotal CounterVec = noopCounterVec{}

	// AppendDurationSeconds measures append latency including guard wait
	AppendDurationSeconds Histogram = NoopStat{}

	// GuardWaitSeconds measures time producers spend waiting for the ordering guard
	GuardWaitSeconds Histogram = NoopStat{}

	// NotifierPublishesTotal counts post-commit wakeups
	NotifierPublishesTotal Counter = NoopStat{}
)

// Subscription Metrics
var (
	// SubscribeTotal counts subscribe attempts by result
	SubscribeTotal CounterVec = noopCounterVec{}

	// ReadsTotal counts reads by result (success, empty, not_subscribed, ...)
	ReadsTotal CounterVec = noopCounterVec{}

	// EventsDeliveredTotal counts events handed to readers
	EventsDeliveredTotal Counter = NoopStat{}

	// TrimsTotal counts trim passes that deleted entries, by source (read, sweep)
	TrimsTotal CounterVec = noopCounterVec{}

	// SessionsActive tracks live sessions
	SessionsActive Gauge = NoopStat{}

	// SessionsReapedTotal counts sessions closed for inactivity
	SessionsReapedTotal Counter = NoopStat{}
)

// Stream State Metrics (refreshed by MetricsCollector)
var (
	// Streams tracks the number of streams
	Streams Gauge = NoopStat{}

	// StreamTail tracks the high-water mark per stream
	StreamTail GaugeVec = noopGaugeVec{}

	// StreamRetainedEvents tracks events still stored per stream
	StreamRetainedEvents GaugeVec = noopGaugeVec{}

	// StreamSubscriptions tracks subscriptions per stream
	StreamSubscriptions GaugeVec = noopGaugeVec{}

	// StreamLag tracks the distance between the tail and the slowest cursor
	StreamLag GaugeVec = noopGaugeVec{}
)

// Relay Metrics
var (
	// RelayPublishedTotal counts events forwarded to sinks, by relay
	RelayPublishedTotal CounterVec = noopCounterVec{}

	// RelayFailuresTotal counts failed sink publish attempts, by relay
	RelayFailuresTotal CounterVec = noopCounterVec{}

	// RelayWorkers tracks running relay workers
	RelayWorkers Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after the registry exists.
func InitMetrics() {
	AppendsTotal = NewCounterVec(
		"appends_total",
		"Appended events by result",
		[]string{"result"},
	)
	AppendDurationSeconds = NewHistogramWithBuckets(
		"append_duration_seconds",
		"Append latency including ordering guard wait",
		CommitBuckets,
	)
	GuardWaitSeconds = NewHistogramWithBuckets(
		"guard_wait_seconds",
		"Time spent waiting for the per-stream ordering guard",
		WaitBuckets,
	)
	NotifierPublishesTotal = NewCounter(
		"notifier_publishes_total",
		"Wakeups published after committed appends",
	)

	SubscribeTotal = NewCounterVec(
		"subscribe_total",
		"Subscribe attempts by result",
		[]string{"result"},
	)
	ReadsTotal = NewCounterVec(
		"reads_total",
		"Reads by result",
		[]string{"result"},
	)
	EventsDeliveredTotal = NewCounter(
		"events_delivered_total",
		"Events delivered to readers",
	)
	TrimsTotal = NewCounterVec(
		"trims_total",
		"Trim passes that deleted entries",
		[]string{"source"},
	)
	SessionsActive = NewGauge(
		"sessions_active",
		"Live subscriber sessions",
	)
	SessionsReapedTotal = NewCounter(
		"sessions_reaped_total",
		"Sessions closed after the idle timeout",
	)

	Streams = NewGauge(
		"streams",
		"Number of streams",
	)
	StreamTail = NewGaugeVec(
		"stream_tail",
		"Highest committed sequence per stream",
		[]string{"stream"},
	)
	StreamRetainedEvents = NewGaugeVec(
		"stream_retained_events",
		"Events still stored per stream",
		[]string{"stream"},
	)
	StreamSubscriptions = NewGaugeVec(
		"stream_subscriptions",
		"Subscriptions per stream",
		[]string{"stream"},
	)
	StreamLag = NewGaugeVec(
		"stream_lag",
		"Distance between tail and the slowest cursor per stream",
		[]string{"stream"},
	)

	RelayPublishedTotal = NewCounterVec(
		"relay_published_total",
		"Events forwarded to relay sinks",
		[]string{"relay"},
	)
	RelayFailuresTotal = NewCounterVec(
		"relay_failures_total",
		"Failed relay sink publish attempts",
		[]string{"relay"},
	)
	RelayWorkers = NewGauge(
		"relay_workers",
		"Running relay workers",
	)
}
