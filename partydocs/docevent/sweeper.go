package docevent

import (
	"context"
	"fmt"
	"sync"
	"time"

	partydocs "github.com/meridianpm/lib-partydocs/partydocs"
	"github.com/meridianpm/lib-partydocs/partydocs/cron"
	"github.com/meridianpm/lib-partydocs/partydocs/log"
	"github.com/meridianpm/lib-partydocs/partydocs/opentelemetry"
	"github.com/meridianpm/lib-partydocs/partydocs/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// RetentionSweeper purges aged terminal rows on a cron schedule. Each run
// deletes in bounded batches and respects the per-party version floor, so
// it is idempotent and safe to run repeatedly.
type RetentionSweeper struct {
	repo       Repository
	discoverer TenantDiscoverer
	logger     log.Logger
	tracer     trace.Tracer
	cfg        SweeperConfig
	schedule   cron.Schedule

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
}

var _ partydocs.App = (*RetentionSweeper)(nil)

// NewRetentionSweeper creates a sweeper over the given repository. When
// discoverer is nil, tenants are discovered through the repository.
func NewRetentionSweeper(
	repo Repository,
	discoverer TenantDiscoverer,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...SweeperOption,
) (*RetentionSweeper, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("partydocs.noop")
	}

	sweeper := &RetentionSweeper{
		repo:       repo,
		discoverer: discoverer,
		logger:     logger,
		tracer:     tracer,
		cfg:        DefaultSweeperConfig(),
		stop:       make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sweeper)
		}
	}

	sweeper.cfg.normalize()

	schedule, err := cron.Parse(sweeper.cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweeper schedule %q: %w", sweeper.cfg.Schedule, err)
	}

	sweeper.schedule = schedule

	return sweeper, nil
}

// Run starts the sweeper loop until Stop is called.
func (sweeper *RetentionSweeper) Run(launcher *partydocs.Launcher) error {
	return sweeper.RunContext(context.Background(), launcher)
}

// RunContext starts the sweeper loop until Stop is called or ctx is cancelled.
func (sweeper *RetentionSweeper) RunContext(parentCtx context.Context, launcher *partydocs.Launcher) error {
	if sweeper == nil {
		return ErrRepositoryRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !sweeper.registerRun(cancel) {
		cancel()

		return ErrSweeperRunning
	}

	defer sweeper.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "retention sweeper started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "retention sweeper stopped")
	}

	defer runtime.RecoverAndLogWithContext(ctx, sweeper.logger, "docevent", "sweeper_run")

	for {
		next, err := sweeper.schedule.Next(time.Now().UTC())
		if err != nil {
			return fmt.Errorf("compute next sweep time: %w", err)
		}

		timer := time.NewTimer(time.Until(next))

		select {
		case <-sweeper.stop:
			timer.Stop()

			return nil
		case <-ctx.Done():
			timer.Stop()

			return nil
		case <-timer.C:
			sweeper.SweepOnce(ctx)
		}
	}
}

// Stop signals the sweeper loop to stop.
func (sweeper *RetentionSweeper) Stop() {
	if sweeper == nil {
		return
	}

	sweeper.stopOnce.Do(func() {
		sweeper.runStateMu.Lock()
		cancel := sweeper.cancelFunc
		sweeper.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(sweeper.stop)
	})
}

// SweepOnce runs one cleanup pass across all tenants and returns the
// total rows deleted.
func (sweeper *RetentionSweeper) SweepOnce(ctx context.Context) int64 {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := sweeper.tracer.Start(ctx, "docevent.sweeper.sweep")
	defer span.End()

	defer runtime.RecoverAndLogWithContext(ctx, sweeper.logger, "docevent", "sweeper_sweep")

	tenants, err := sweeper.listTenants(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to discover tenants", err)
		log.SafeError(sweeper.logger, ctx, "failed to discover tenants", err, false)

		return 0
	}

	var total int64

	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			break
		}

		total += sweeper.sweepTenant(ContextWithTenantID(ctx, tenantID), tenantID)
	}

	span.SetAttributes(attribute.Int64("docevent.cleanup.deleted_total", total))

	return total
}

func (sweeper *RetentionSweeper) sweepTenant(ctx context.Context, tenantID string) int64 {
	ctx, span := sweeper.tracer.Start(ctx, "docevent.sweeper.tenant")
	defer span.End()

	span.SetAttributes(attribute.String("tenant.id_hash", hashTenantID(tenantID)))

	deleted, err := sweeper.repo.Cleanup(ctx, sweeper.cfg.Policy)
	if err != nil {
		opentelemetry.HandleSpanError(span, "cleanup failed", err)
		log.SafeError(sweeper.logger, ctx, "cleanup failed", err, false)

		return 0
	}

	span.SetAttributes(attribute.Int64("docevent.cleanup.deleted", deleted))

	if deleted > 0 {
		sweeper.logger.Log(ctx, log.LevelInfo, "retention sweep deleted aged events",
			log.Int64("deleted", deleted),
			log.String("tenant_hash", hashTenantID(tenantID)),
		)
	}

	return deleted
}

func (sweeper *RetentionSweeper) listTenants(ctx context.Context) ([]string, error) {
	if sweeper.discoverer != nil {
		return sweeper.discoverer.DiscoverTenants(ctx)
	}

	return sweeper.repo.ListTenants(ctx)
}

func (sweeper *RetentionSweeper) registerRun(cancel context.CancelFunc) bool {
	sweeper.runStateMu.Lock()
	defer sweeper.runStateMu.Unlock()

	if sweeper.running {
		return false
	}

	sweeper.running = true
	sweeper.cancelFunc = cancel

	return true
}

func (sweeper *RetentionSweeper) clearRun() {
	sweeper.runStateMu.Lock()
	defer sweeper.runStateMu.Unlock()

	sweeper.running = false
	sweeper.cancelFunc = nil
}
