package docevent

import (
	"context"
	"sync"

	"github.com/google/uuid"
	partydocs "github.com/meridianpm/lib-partydocs/partydocs"
	"github.com/meridianpm/lib-partydocs/partydocs/backoff"
	"github.com/meridianpm/lib-partydocs/partydocs/log"
	"github.com/meridianpm/lib-partydocs/partydocs/opentelemetry"
	"github.com/meridianpm/lib-partydocs/partydocs/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ChangeListener subscribes to tenant notification channels and races to
// claim each referenced row. Any number of listener instances may run
// concurrently across processes: correctness rests entirely on the
// repository's atomic claim, so a lost race is dropped silently.
type ChangeListener struct {
	repo       Repository
	source     NotificationSource
	dispatcher *DeliveryDispatcher
	discoverer TenantDiscoverer
	logger     log.Logger
	tracer     trace.Tracer
	cfg        ListenerConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	tenantWg   sync.WaitGroup
}

var _ partydocs.App = (*ChangeListener)(nil)

// NewChangeListener creates a listener over the given repository,
// notification source and dispatcher. When discoverer is nil, tenants
// are discovered through the repository.
func NewChangeListener(
	repo Repository,
	source NotificationSource,
	dispatcher *DeliveryDispatcher,
	discoverer TenantDiscoverer,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...ListenerOption,
) (*ChangeListener, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if source == nil {
		return nil, ErrSourceRequired
	}

	if dispatcher == nil {
		return nil, ErrDispatcherRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("partydocs.noop")
	}

	listener := &ChangeListener{
		repo:       repo,
		source:     source,
		dispatcher: dispatcher,
		discoverer: discoverer,
		logger:     logger,
		tracer:     tracer,
		cfg:        DefaultListenerConfig(),
		stop:       make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(listener)
		}
	}

	listener.cfg.normalize()

	return listener, nil
}

// Run starts one listen loop per discovered tenant and blocks until Stop
// is called.
func (listener *ChangeListener) Run(launcher *partydocs.Launcher) error {
	return listener.RunContext(context.Background(), launcher)
}

// RunContext starts the listener until Stop is called or ctx is cancelled.
func (listener *ChangeListener) RunContext(parentCtx context.Context, launcher *partydocs.Launcher) error {
	if listener == nil {
		return ErrSourceRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !listener.registerRun(cancel) {
		cancel()

		return ErrListenerRunning
	}

	defer listener.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "change listener started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "change listener stopped")
	}

	defer runtime.RecoverAndLogWithContext(ctx, listener.logger, "docevent", "listener_run")

	tenants, err := listener.listTenants(ctx)
	if err != nil {
		log.SafeError(listener.logger, ctx, "failed to discover tenants", err, false)

		return err
	}

	for _, tenantID := range tenants {
		tenantCopy := tenantID

		listener.tenantWg.Add(1)

		runtime.SafeGo(listener.logger, "docevent.listener_"+hashTenantID(tenantCopy), runtime.KeepRunning, func() {
			defer listener.tenantWg.Done()

			listener.listenTenant(ctx, tenantCopy)
		})
	}

	select {
	case <-listener.stop:
	case <-ctx.Done():
	}

	cancel()
	listener.tenantWg.Wait()

	return nil
}

// Stop signals every tenant listen loop to stop.
func (listener *ChangeListener) Stop() {
	if listener == nil {
		return
	}

	listener.stopOnce.Do(func() {
		listener.runStateMu.Lock()
		cancel := listener.cancelFunc
		listener.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(listener.stop)
	})
}

// listenTenant keeps one tenant subscription alive, reconnecting with
// jittered exponential backoff after drops.
func (listener *ChangeListener) listenTenant(ctx context.Context, tenantID string) {
	tenantCtx := ContextWithTenantID(ctx, tenantID)
	attempt := 0

	for {
		if tenantCtx.Err() != nil {
			return
		}

		err := listener.source.Listen(tenantCtx, tenantID, listener.handleNotification)
		if err == nil || tenantCtx.Err() != nil {
			return
		}

		log.SafeError(listener.logger, tenantCtx, "notification subscription dropped, reconnecting", err, false)

		if attempt < listener.cfg.MaxReconnectShift {
			attempt++
		}

		delay := backoff.ExponentialWithJitter(listener.cfg.ReconnectBackoff, attempt)
		if waitErr := backoff.SleepWithContext(tenantCtx, delay); waitErr != nil {
			return
		}
	}
}

// handleNotification races to claim the referenced row. A nil claim
// means another worker won or the row is already terminal; both are
// normal outcomes and are dropped silently.
func (listener *ChangeListener) handleNotification(ctx context.Context, notification Notification) {
	defer runtime.RecoverAndLogWithContext(ctx, listener.logger, "docevent", "listener_notification")

	ctx, span := listener.tracer.Start(ctx, "docevent.listener.notification")
	defer span.End()

	span.SetAttributes(
		attribute.String("docevent.id", notification.ID),
		attribute.String("tenant.id_hash", hashTenantID(notification.TenantID)),
	)

	eventID, err := uuid.Parse(notification.ID)
	if err != nil {
		listener.logger.Log(ctx, log.LevelWarn, "dropping notification with malformed event id")

		return
	}

	event, err := listener.repo.Acquire(ctx, eventID)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to acquire document event", err)
		log.SafeError(listener.logger, ctx, "failed to acquire document event", err, false)

		return
	}

	if event == nil {
		span.SetAttributes(attribute.Bool("docevent.acquired", false))

		return
	}

	span.SetAttributes(attribute.Bool("docevent.acquired", true))

	if _, err := listener.dispatcher.Process(ctx, event); err != nil {
		opentelemetry.HandleSpanError(span, "failed to process document event", err)
		log.SafeError(listener.logger, ctx, "failed to process document event", err, false)
	}
}

func (listener *ChangeListener) listTenants(ctx context.Context) ([]string, error) {
	if listener.discoverer != nil {
		return listener.discoverer.DiscoverTenants(ctx)
	}

	return listener.repo.ListTenants(ctx)
}

func (listener *ChangeListener) registerRun(cancel context.CancelFunc) bool {
	listener.runStateMu.Lock()
	defer listener.runStateMu.Unlock()

	if listener.running {
		return false
	}

	listener.running = true
	listener.cancelFunc = cancel

	return true
}

func (listener *ChangeListener) clearRun() {
	listener.runStateMu.Lock()
	defer listener.runStateMu.Unlock()

	listener.running = false
	listener.cancelFunc = nil
}
