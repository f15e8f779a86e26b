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
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NotificationPump periodically scans PENDING rows and announces one
// pointer notification per row on the owning tenant's channel. It is a
// latency optimization, not the system of record: announcements are
// best-effort and the stale scan remains the correctness backstop.
type NotificationPump struct {
	repo       Repository
	notifier   Notifier
	discoverer TenantDiscoverer
	logger     log.Logger
	tracer     trace.Tracer
	cfg        PumpConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
}

var _ partydocs.App = (*NotificationPump)(nil)

// NewNotificationPump creates a pump over the given repository and
// notifier. When discoverer is nil, tenants are discovered through the
// repository.
func NewNotificationPump(
	repo Repository,
	notifier Notifier,
	discoverer TenantDiscoverer,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...PumpOption,
) (*NotificationPump, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if notifier == nil {
		return nil, ErrNotifierRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("partydocs.noop")
	}

	pump := &NotificationPump{
		repo:       repo,
		notifier:   notifier,
		discoverer: discoverer,
		logger:     logger,
		tracer:     tracer,
		cfg:        DefaultPumpConfig(),
		stop:       make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pump)
		}
	}

	pump.cfg.normalize()

	return pump, nil
}

// Run starts the pump loop until Stop is called.
func (pump *NotificationPump) Run(launcher *partydocs.Launcher) error {
	return pump.RunContext(context.Background(), launcher)
}

// RunContext starts the pump loop until Stop is called or ctx is cancelled.
func (pump *NotificationPump) RunContext(parentCtx context.Context, launcher *partydocs.Launcher) error {
	if pump == nil {
		return ErrNotifierRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !pump.registerRun(cancel) {
		cancel()

		return ErrPumpRunning
	}

	defer pump.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "notification pump started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "notification pump stopped")
	}

	defer runtime.RecoverAndLogWithContext(ctx, pump.logger, "docevent", "pump_run")

	ticker := time.NewTicker(pump.cfg.ScanInterval)
	defer ticker.Stop()

	pump.announceAcrossTenants(ctx)

	for {
		select {
		case <-pump.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pump.announceAcrossTenants(ctx)
		}
	}
}

// Stop signals the pump loop to stop.
func (pump *NotificationPump) Stop() {
	if pump == nil {
		return
	}

	pump.stopOnce.Do(func() {
		pump.runStateMu.Lock()
		cancel := pump.cancelFunc
		pump.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(pump.stop)
	})
}

// AnnounceOnce runs a single scan-and-announce cycle across all tenants.
func (pump *NotificationPump) AnnounceOnce(ctx context.Context) {
	pump.announceAcrossTenants(ctx)
}

func (pump *NotificationPump) announceAcrossTenants(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	ctx, span := pump.tracer.Start(ctx, "docevent.pump.scan")
	defer span.End()

	defer runtime.RecoverAndLogWithContext(ctx, pump.logger, "docevent", "pump_scan")

	tenants, err := pump.listTenants(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to discover tenants", err)
		log.SafeError(pump.logger, ctx, "failed to discover tenants", err, false)

		return
	}

	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return
		}

		pump.announcePending(ContextWithTenantID(ctx, tenantID), tenantID)
	}
}

// announcePending emits one notification per PENDING row, ascending by
// transaction id as a causal hint. Announce failures are logged and
// skipped: the row stays PENDING and a later cycle retries it.
func (pump *NotificationPump) announcePending(ctx context.Context, tenantID string) {
	ctx, span := pump.tracer.Start(ctx, "docevent.pump.tenant")
	defer span.End()

	span.SetAttributes(attribute.String("tenant.id_hash", hashTenantID(tenantID)))

	ids, err := pump.repo.ListPendingIDs(ctx, pump.cfg.BatchSize)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to list pending events", err)
		log.SafeError(pump.logger, ctx, "failed to list pending events", err, false)

		return
	}

	announced := 0

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}

		notification := NewNotification(tenantID, id.String())

		if err := pump.notifier.Announce(ctx, notification); err != nil {
			opentelemetry.HandleSpanError(span, "failed to announce pending event", err)
			log.SafeError(pump.logger, ctx, "failed to announce pending event", err, false)

			continue
		}

		announced++
	}

	span.SetAttributes(attribute.Int("docevent.pump.announced", announced))

	if announced > 0 {
		pump.logger.Log(ctx, log.LevelDebug, "announced pending events",
			log.Int("count", announced),
			log.String("tenant_hash", hashTenantID(tenantID)),
		)
	}
}

func (pump *NotificationPump) listTenants(ctx context.Context) ([]string, error) {
	if pump.discoverer != nil {
		return pump.discoverer.DiscoverTenants(ctx)
	}

	return pump.repo.ListTenants(ctx)
}

func (pump *NotificationPump) registerRun(cancel context.CancelFunc) bool {
	pump.runStateMu.Lock()
	defer pump.runStateMu.Unlock()

	if pump.running {
		return false
	}

	pump.running = true
	pump.cancelFunc = cancel

	return true
}

func (pump *NotificationPump) clearRun() {
	pump.runStateMu.Lock()
	defer pump.runStateMu.Unlock()

	pump.running = false
	pump.cancelFunc = nil
}
