package docevent

import (
	"context"
	"sync"
	"time"

	partydocs "github.com/meridianpm/lib-partydocs/partydocs"
	"github.com/meridianpm/lib-partydocs/partydocs/log"
	"github.com/meridianpm/lib-partydocs/partydocs/opentelemetry"
	"github.com/meridianpm/lib-partydocs/partydocs/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// UnprocessedMonitor periodically surfaces rows stuck in PENDING or
// SENDING. It observes and alerts only: a stuck SENDING row is never
// requeued automatically, operators use Repository.Requeue for that.
type UnprocessedMonitor struct {
	repo       Repository
	discoverer TenantDiscoverer
	logger     log.Logger
	tracer     trace.Tracer
	cfg        MonitorConfig
	metrics    pipelineMetrics

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
}

var _ partydocs.App = (*UnprocessedMonitor)(nil)

// NewUnprocessedMonitor creates a monitor over the given repository.
// When discoverer is nil, tenants are discovered through the repository.
func NewUnprocessedMonitor(
	repo Repository,
	discoverer TenantDiscoverer,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...MonitorOption,
) (*UnprocessedMonitor, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("partydocs.noop")
	}

	monitor := &UnprocessedMonitor{
		repo:       repo,
		discoverer: discoverer,
		logger:     logger,
		tracer:     tracer,
		cfg:        DefaultMonitorConfig(),
		stop:       make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(monitor)
		}
	}

	monitor.cfg.normalize()

	metrics, err := newPipelineMetrics(nil)
	if err != nil {
		return nil, err
	}

	monitor.metrics = metrics

	return monitor, nil
}

// Run starts the monitor loop until Stop is called.
func (monitor *UnprocessedMonitor) Run(launcher *partydocs.Launcher) error {
	return monitor.RunContext(context.Background(), launcher)
}

// RunContext starts the monitor loop until Stop is called or ctx is cancelled.
func (monitor *UnprocessedMonitor) RunContext(parentCtx context.Context, launcher *partydocs.Launcher) error {
	if monitor == nil {
		return ErrRepositoryRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !monitor.registerRun(cancel) {
		cancel()

		return ErrMonitorRunning
	}

	defer monitor.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "unprocessed monitor started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "unprocessed monitor stopped")
	}

	defer runtime.RecoverAndLogWithContext(ctx, monitor.logger, "docevent", "monitor_run")

	ticker := time.NewTicker(monitor.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-monitor.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			monitor.ScanOnce(ctx)
		}
	}
}

// Stop signals the monitor loop to stop.
func (monitor *UnprocessedMonitor) Stop() {
	if monitor == nil {
		return
	}

	monitor.stopOnce.Do(func() {
		monitor.runStateMu.Lock()
		cancel := monitor.cancelFunc
		monitor.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(monitor.stop)
	})
}

// ScanOnce runs one stale scan across all tenants and returns the total
// number of in-flight rows surfaced.
func (monitor *UnprocessedMonitor) ScanOnce(ctx context.Context) int {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := monitor.tracer.Start(ctx, "docevent.monitor.scan")
	defer span.End()

	defer runtime.RecoverAndLogWithContext(ctx, monitor.logger, "docevent", "monitor_scan")

	tenants, err := monitor.listTenants(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to discover tenants", err)
		log.SafeError(monitor.logger, ctx, "failed to discover tenants", err, false)

		return 0
	}

	total := 0

	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			break
		}

		total += monitor.scanTenant(ContextWithTenantID(ctx, tenantID), tenantID)
	}

	span.SetAttributes(attribute.Int("docevent.stale.total", total))

	return total
}

func (monitor *UnprocessedMonitor) scanTenant(ctx context.Context, tenantID string) int {
	ctx, span := monitor.tracer.Start(ctx, "docevent.monitor.tenant")
	defer span.End()

	span.SetAttributes(attribute.String("tenant.id_hash", hashTenantID(tenantID)))

	stale, err := monitor.repo.FindStale(ctx, monitor.cfg.Window)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to scan stale events", err)
		log.SafeError(monitor.logger, ctx, "failed to scan stale events", err, false)

		return 0
	}

	if monitor.metrics.staleEvents != nil {
		monitor.metrics.staleEvents.Record(ctx, int64(len(stale)),
			metric.WithAttributes(attribute.String("tenant.id_hash", hashTenantID(tenantID))))
	}

	if len(stale) == 0 {
		return 0
	}

	oldest := stale[len(stale)-1]
	monitor.logger.Log(ctx, log.LevelWarn, "unprocessed document events detected",
		log.Int("count", len(stale)),
		log.String("tenant_hash", hashTenantID(tenantID)),
		log.String("oldest_event_id", oldest.ID.String()),
		log.Duration("oldest_age", time.Since(oldest.CreatedAt)),
	)

	return len(stale)
}

func (monitor *UnprocessedMonitor) listTenants(ctx context.Context) ([]string, error) {
	if monitor.discoverer != nil {
		return monitor.discoverer.DiscoverTenants(ctx)
	}

	return monitor.repo.ListTenants(ctx)
}

func (monitor *UnprocessedMonitor) registerRun(cancel context.CancelFunc) bool {
	monitor.runStateMu.Lock()
	defer monitor.runStateMu.Unlock()

	if monitor.running {
		return false
	}

	monitor.running = true
	monitor.cancelFunc = cancel

	return true
}

func (monitor *UnprocessedMonitor) clearRun() {
	monitor.runStateMu.Lock()
	defer monitor.runStateMu.Unlock()

	monitor.running = false
	monitor.cancelFunc = nil
}
