// Package service implements the admission, check-in and reputation engine:
// business rules, validation, and orchestration between the HTTP handlers
// and the repository layer.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Shivanand-hulikatti/activity-signup/internal/logging"
	"github.com/Shivanand-hulikatti/activity-signup/internal/model"
	"github.com/Shivanand-hulikatti/activity-signup/internal/repository"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Shivanand-hulikatti/activity-signup/internal/service"

// Notifier announces newly created activities.
type Notifier interface {
	NotifyActivityCreated(ctx context.Context, activityID string) error
}

// Locker grants a short-lived exclusive lease on a key. TryLock returns
// ok=false without error when someone else holds the lease.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// Options configures an Engine. Zero values fall back to defaults.
type Options struct {
	Policy  model.ReputationPolicy
	Now     func() time.Time
	NewID   func() string
	NewCode func() (string, error)
	Logger  *slog.Logger

	Notifier      Notifier
	NotifyTimeout time.Duration

	// TxMaxRetries bounds how many times a unit of work is attempted when
	// the store reports a transient failure.
	TxMaxRetries     uint
	TxInitialBackoff time.Duration

	SweepWorkers int
	SweepBatch   int
	Locker       Locker
	SweepLease   time.Duration
}

// core holds the dependencies shared by every controller.
type core struct {
	store            repository.Store
	policy           model.ReputationPolicy
	now              func() time.Time
	newID            func() string
	logger           *slog.Logger
	tracer           trace.Tracer
	txMaxRetries     uint
	txInitialBackoff time.Duration
}

// Engine aggregates the controllers that make up the sign-up engine.
type Engine struct {
	Ledger     *ReputationLedger
	Activities *ActivityRegistry
	Admission  *AdmissionController
	CheckIn    *CheckInController
	Hosts      *HostDelegationController
	Sweep      *ReconciliationSweep
}

// NewEngine constructs an Engine over store.
func NewEngine(store repository.Store, opts Options) *Engine {
	if opts.Policy == (model.ReputationPolicy{}) {
		opts.Policy = model.DefaultReputationPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	if opts.NewCode == nil {
		opts.NewCode = randomCode
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 5 * time.Second
	}
	if opts.TxMaxRetries == 0 {
		opts.TxMaxRetries = 5
	}
	if opts.TxInitialBackoff <= 0 {
		opts.TxInitialBackoff = 20 * time.Millisecond
	}
	if opts.SweepWorkers <= 0 {
		opts.SweepWorkers = 4
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 100
	}
	if opts.SweepLease <= 0 {
		opts.SweepLease = 30 * time.Second
	}

	c := &core{
		store:            store,
		policy:           opts.Policy,
		now:              opts.Now,
		newID:            opts.NewID,
		logger:           opts.Logger,
		tracer:           otel.Tracer(tracerName),
		txMaxRetries:     opts.TxMaxRetries,
		txInitialBackoff: opts.TxInitialBackoff,
	}

	ledger := &ReputationLedger{core: c}
	return &Engine{
		Ledger:     ledger,
		Activities: &ActivityRegistry{core: c, notifier: opts.Notifier, notifyTimeout: opts.NotifyTimeout},
		Admission:  &AdmissionController{core: c},
		CheckIn:    &CheckInController{core: c, ledger: ledger, newCode: opts.NewCode},
		Hosts:      &HostDelegationController{core: c},
		Sweep: &ReconciliationSweep{
			core:    c,
			ledger:  ledger,
			workers: opts.SweepWorkers,
			batch:   opts.SweepBatch,
			locker:  opts.Locker,
			lease:   opts.SweepLease,
		},
	}
}

// inTx runs fn as one unit of work. Transient store failures are retried
// with exponential backoff; fn must therefore reset any state it captures.
func (c *core) inTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.txInitialBackoff
	b.MaxInterval = 20 * c.txInitialBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.store.InTx(ctx, fn)
		if err == nil || errors.Is(err, repository.ErrTransient) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.txMaxRetries))

	if errors.Is(err, repository.ErrTransient) {
		return &Error{Kind: ErrConflict.Kind, Reason: ErrConflict.Reason, Err: err}
	}
	return err
}

// serviceLogger prefers the request-scoped logger stored in ctx.
func serviceLogger(ctx context.Context, base *slog.Logger, serviceName, operation string, attrs ...any) *slog.Logger {
	logger := logging.FromContext(ctx)
	if logger == nil {
		logger = base
	}
	if logger == nil {
		logger = slog.Default()
	}

	pairs := []any{"service", serviceName}
	if operation != "" {
		pairs = append(pairs, "operation", operation)
	}
	if len(attrs) > 0 {
		pairs = append(pairs, attrs...)
	}
	return logger.With(pairs...)
}

// operation is the span and logger pair for one engine call.
type operation struct {
	ctx    context.Context
	span   trace.Span
	logger *slog.Logger
}

func (c *core) start(ctx context.Context, serviceName, name string, attrs ...attribute.KeyValue) (context.Context, *operation) {
	ctx, span := c.tracer.Start(ctx, serviceName+"."+name, trace.WithAttributes(attrs...))
	logAttrs := make([]any, 0, len(attrs)*2)
	for _, a := range attrs {
		logAttrs = append(logAttrs, string(a.Key), a.Value.Emit())
	}
	return ctx, &operation{
		ctx:    ctx,
		span:   span,
		logger: serviceLogger(ctx, c.logger, serviceName, name, logAttrs...),
	}
}

// end records the outcome. Business rejections are logged at info level,
// anything else as an error.
func (op *operation) end(err error, msg string, attrs ...any) {
	defer op.span.End()
	if err == nil {
		op.logger.DebugContext(op.ctx, msg, attrs...)
		return
	}
	op.span.RecordError(err)
	op.span.SetStatus(codes.Error, err.Error())
	kind := KindOf(err)
	op.span.SetAttributes(attribute.String("error.kind", kind.String()))
	attrs = append(attrs, "error", err, "error_kind", kind.String())
	if kind == KindUnknown {
		op.logger.ErrorContext(op.ctx, "operation failed", attrs...)
		return
	}
	op.logger.InfoContext(op.ctx, "operation rejected", attrs...)
}

type nopNotifier struct{}

func (nopNotifier) NotifyActivityCreated(context.Context, string) error { return nil }
