package docevent

import (
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	defaultDispatchTimeout           = 30 * time.Second
	defaultPumpScanInterval          = 2 * time.Second
	defaultPumpBatchSize             = 100
	defaultListenerReconnectBackoff  = 500 * time.Millisecond
	defaultListenerMaxReconnectShift = 6
	defaultMonitorScanInterval       = 5 * time.Minute
	defaultSweeperSchedule           = "0 3 * * *"
	defaultMaxTenantMetricDimensions = 1000
	defaultTenantMetricFallback      = "_default"
)

// DispatcherConfig controls dispatch timeout and metric behavior.
type DispatcherConfig struct {
	// DispatchTimeout bounds one transport call. On timeout the event
	// resolves to FAILED instead of lingering in SENDING.
	DispatchTimeout time.Duration
	// IncludeTenantMetrics enables tenant metric attributes and can
	// increase cardinality.
	IncludeTenantMetrics bool
	// MaxTenantMetricDimensions caps unique tenant labels before falling
	// back to an overflow label.
	MaxTenantMetricDimensions int
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DispatchTimeout:           defaultDispatchTimeout,
		IncludeTenantMetrics:      false,
		MaxTenantMetricDimensions: defaultMaxTenantMetricDimensions,
		MeterProvider:             nil,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaults.DispatchTimeout
	}

	if cfg.MaxTenantMetricDimensions <= 0 {
		cfg.MaxTenantMetricDimensions = defaults.MaxTenantMetricDimensions
	}
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*DeliveryDispatcher)

// WithDispatchTimeout bounds one transport call.
func WithDispatchTimeout(timeout time.Duration) DispatcherOption {
	return func(dispatcher *DeliveryDispatcher) {
		if timeout > 0 {
			dispatcher.cfg.DispatchTimeout = timeout
		}
	}
}

// WithTenantMetricAttributes toggles tenant attributes on dispatcher metrics.
func WithTenantMetricAttributes(enabled bool) DispatcherOption {
	return func(dispatcher *DeliveryDispatcher) {
		dispatcher.cfg.IncludeTenantMetrics = enabled
	}
}

// WithMaxTenantMetricDimensions caps unique tenant metric labels.
func WithMaxTenantMetricDimensions(maxDimensions int) DispatcherOption {
	return func(dispatcher *DeliveryDispatcher) {
		if maxDimensions > 0 {
			dispatcher.cfg.MaxTenantMetricDimensions = maxDimensions
		}
	}
}

// WithMeterProvider injects a custom meter provider for dispatcher
// metrics. Passing nil keeps the global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *DeliveryDispatcher) {
		dispatcher.cfg.MeterProvider = provider
	}
}

// WithPartialOutcomeCallback forwards partial outcomes to the caller as
// they settle, in addition to the dispatcher's own handling.
func WithPartialOutcomeCallback(callback func(DeliveryOutcome)) DispatcherOption {
	return func(dispatcher *DeliveryDispatcher) {
		dispatcher.onPartial = callback
	}
}

// PumpConfig controls the notification pump scan loop.
type PumpConfig struct {
	// ScanInterval is the pause between pending-row scans.
	ScanInterval time.Duration
	// BatchSize caps pending ids announced per tenant per cycle.
	BatchSize int
}

// DefaultPumpConfig returns the baseline pump configuration.
func DefaultPumpConfig() PumpConfig {
	return PumpConfig{
		ScanInterval: defaultPumpScanInterval,
		BatchSize:    defaultPumpBatchSize,
	}
}

func (cfg *PumpConfig) normalize() {
	defaults := DefaultPumpConfig()

	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = defaults.ScanInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
}

// PumpOption mutates pump configuration at construction.
type PumpOption func(*NotificationPump)

// WithPumpScanInterval sets the pending-row scan interval.
func WithPumpScanInterval(interval time.Duration) PumpOption {
	return func(pump *NotificationPump) {
		if interval > 0 {
			pump.cfg.ScanInterval = interval
		}
	}
}

// WithPumpBatchSize caps pending ids announced per tenant per cycle.
func WithPumpBatchSize(size int) PumpOption {
	return func(pump *NotificationPump) {
		if size > 0 {
			pump.cfg.BatchSize = size
		}
	}
}

// ListenerConfig controls the change listener reconnect behavior.
type ListenerConfig struct {
	// ReconnectBackoff is the base backoff after a subscription drop;
	// actual waits grow exponentially with full jitter.
	ReconnectBackoff time.Duration
	// MaxReconnectShift caps the exponential backoff growth.
	MaxReconnectShift int
}

// DefaultListenerConfig returns the baseline listener configuration.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		ReconnectBackoff:  defaultListenerReconnectBackoff,
		MaxReconnectShift: defaultListenerMaxReconnectShift,
	}
}

func (cfg *ListenerConfig) normalize() {
	defaults := DefaultListenerConfig()

	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaults.ReconnectBackoff
	}

	if cfg.MaxReconnectShift <= 0 {
		cfg.MaxReconnectShift = defaults.MaxReconnectShift
	}
}

// ListenerOption mutates listener configuration at construction.
type ListenerOption func(*ChangeListener)

// WithReconnectBackoff sets the base reconnect backoff.
func WithReconnectBackoff(backoff time.Duration) ListenerOption {
	return func(listener *ChangeListener) {
		if backoff > 0 {
			listener.cfg.ReconnectBackoff = backoff
		}
	}
}

// MonitorConfig controls the unprocessed scanner.
type MonitorConfig struct {
	// ScanInterval is the pause between stale scans.
	ScanInterval time.Duration
	// Window selects the age band of in-flight rows to surface.
	Window StaleWindow
}

// DefaultMonitorConfig returns the baseline monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		ScanInterval: defaultMonitorScanInterval,
		Window:       StaleWindow{}.Normalize(),
	}
}

func (cfg *MonitorConfig) normalize() {
	defaults := DefaultMonitorConfig()

	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = defaults.ScanInterval
	}

	cfg.Window = cfg.Window.Normalize()
}

// MonitorOption mutates monitor configuration at construction.
type MonitorOption func(*UnprocessedMonitor)

// WithMonitorScanInterval sets the stale scan interval.
func WithMonitorScanInterval(interval time.Duration) MonitorOption {
	return func(monitor *UnprocessedMonitor) {
		if interval > 0 {
			monitor.cfg.ScanInterval = interval
		}
	}
}

// WithMonitorWindow selects the age band of in-flight rows to surface.
func WithMonitorWindow(window StaleWindow) MonitorOption {
	return func(monitor *UnprocessedMonitor) {
		monitor.cfg.Window = window
	}
}

// SweeperConfig controls the retention sweeper schedule and policy.
type SweeperConfig struct {
	// Schedule is a 5-field cron expression, evaluated in UTC.
	Schedule string
	// Policy bounds each cleanup run.
	Policy CleanupPolicy
}

// DefaultSweeperConfig returns the baseline sweeper configuration:
// a nightly run at 03:00 UTC.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Schedule: defaultSweeperSchedule,
		Policy:   DefaultCleanupPolicy(),
	}
}

func (cfg *SweeperConfig) normalize() {
	defaults := DefaultSweeperConfig()

	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = defaults.Schedule
	}

	cfg.Policy = cfg.Policy.Normalize()
}

// SweeperOption mutates sweeper configuration at construction.
type SweeperOption func(*RetentionSweeper)

// WithSweeperSchedule sets the cron schedule.
func WithSweeperSchedule(schedule string) SweeperOption {
	return func(sweeper *RetentionSweeper) {
		if strings.TrimSpace(schedule) != "" {
			sweeper.cfg.Schedule = schedule
		}
	}
}

// WithCleanupPolicy sets the retention policy applied on each run.
func WithCleanupPolicy(policy CleanupPolicy) SweeperOption {
	return func(sweeper *RetentionSweeper) {
		sweeper.cfg.Policy = policy
	}
}
