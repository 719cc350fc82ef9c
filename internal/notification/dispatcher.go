// Package notification tells patients about their prescriptions by email
// and web push. Deliveries run on a worker pool behind per-channel circuit
// breakers; their outcome is written to the activity log and never reaches
// the operation that triggered them.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrequest/internal/domain/activity"
	"github.com/drfirst/go-rxrequest/internal/domain/prescription"
	"github.com/drfirst/go-rxrequest/internal/observability/metrics"
	"github.com/drfirst/go-rxrequest/pkg/circuitbreaker"
	"github.com/drfirst/go-rxrequest/pkg/workerpool"
)

// Channel names used for breakers, metrics and activity metadata.
const (
	ChannelEmail = "email"
	ChannelPush  = "push"
)

// SystemActor is the actor recorded on notification activity entries.
const SystemActor = "system"

// Config holds dispatcher configuration.
type Config struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
}

// DefaultConfig returns defaults for a single API instance.
func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 256, SendTimeout: 15 * time.Second}
}

// Deps are the collaborators of a Dispatcher. Email and Push may be nil to
// disable a channel.
type Deps struct {
	Composer      *Composer
	Email         EmailSender
	Push          PushSender
	Subscriptions SubscriptionStore
	Breakers      *circuitbreaker.Manager
	Activity      *activity.Recorder
	Metrics       *metrics.Metrics
}

// ChannelResult is the outcome of one channel for one notice.
type ChannelResult struct {
	Attempted int
	Delivered int
	Expired   int
	Err       error
}

// Outcome describes what happened to a notice.
type Outcome struct {
	Notice  prescription.Notice
	Skipped bool
	Email   ChannelResult
	Push    ChannelResult
}

// Delivered reports whether at least one channel reached the patient.
func (o Outcome) Delivered() bool {
	return o.Email.Delivered > 0 || o.Push.Delivered > 0
}

// Err joins the channel errors.
func (o Outcome) Err() error {
	return errors.Join(o.Email.Err, o.Push.Err)
}

// Dispatcher composes and delivers notices.
type Dispatcher struct {
	cfg      Config
	deps     Deps
	email    *circuitbreaker.CircuitBreaker
	push     *circuitbreaker.CircuitBreaker
	pool     *workerpool.Pool
	logger   *zap.Logger
	tracer   trace.Tracer
	observed chan struct{}
}

// NewDispatcher creates a dispatcher. Call Start before Notify.
func NewDispatcher(cfg Config, deps Deps, logger *zap.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Composer == nil {
		deps.Composer = &Composer{}
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultConfig().SendTimeout
	}
	if deps.Breakers == nil {
		deps.Breakers = circuitbreaker.NewManager(logger, func(name string, to circuitbreaker.State) {
			deps.Metrics.SetBreakerState(name, to.Gauge())
		})
	}

	d := &Dispatcher{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		tracer:   otel.Tracer("notification-dispatcher"),
		observed: make(chan struct{}),
	}

	var err error
	d.email, err = deps.Breakers.GetOrCreate(ChannelEmail, circuitbreaker.DefaultConfig(ChannelEmail))
	if err != nil {
		return nil, fmt.Errorf("email breaker: %w", err)
	}
	pushCfg := circuitbreaker.DefaultConfig(ChannelPush)
	pushCfg.Ignore = func(err error) bool { return errors.Is(err, ErrSubscriptionExpired) }
	d.push, err = deps.Breakers.GetOrCreate(ChannelPush, pushCfg)
	if err != nil {
		return nil, fmt.Errorf("push breaker: %w", err)
	}

	d.pool, err = workerpool.New(workerpool.Config{
		Workers:    cfg.Workers,
		QueueSize:  cfg.QueueSize,
		MaxRetries: 0,
	}, d.work, logger.Named("notification-pool"))
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Start launches the workers and the result observer.
func (d *Dispatcher) Start() {
	d.pool.Start()
	go d.observe()
}

// Stop drains queued notices until ctx expires.
func (d *Dispatcher) Stop(ctx context.Context) error {
	err := d.pool.Stop(ctx)
	<-d.observed
	return err
}

// Notify queues n and returns at once. The delivery is detached from ctx's
// cancellation but keeps its values (trace span, request id).
func (d *Dispatcher) Notify(ctx context.Context, n prescription.Notice) error {
	return d.pool.Submit(&workerpool.Task{
		ID:      n.Prescription.ID + ":" + string(n.Kind) + ":" + string(n.Prescription.Status),
		Payload: n,
		Context: context.WithoutCancel(ctx),
	})
}

// Healthy reports whether the queue has room.
func (d *Dispatcher) Healthy() bool {
	return d.pool.IsHealthy()
}

func (d *Dispatcher) work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	n, ok := task.Payload.(prescription.Notice)
	if !ok {
		return &workerpool.Result{Error: fmt.Errorf("unexpected payload %T", task.Payload)}
	}
	out := d.Dispatch(ctx, n)
	return &workerpool.Result{Success: out.Err() == nil, Error: out.Err(), Data: out}
}

// Dispatch composes n and delivers it on every configured channel.
// Transport errors are reported in the Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, n prescription.Notice) Outcome {
	p := &n.Prescription
	ctx, span := d.tracer.Start(ctx, "notification.dispatch",
		trace.WithAttributes(
			attribute.String("prescription_id", p.ID),
			attribute.String("kind", string(n.Kind)),
			attribute.String("status", string(p.Status)),
		))
	defer span.End()

	out := Outcome{Notice: n}

	msg, ok := d.deps.Composer.Compose(n)
	if !ok {
		out.Skipped = true
		return out
	}

	if p.Status == prescription.StatusRejected && strings.TrimSpace(p.RejectionReason) == "" {
		d.logger.Warn("rejection notice without a reason", zap.String("prescription_id", p.ID))
	}

	out.Email = d.sendEmail(ctx, p, msg)
	out.Push = d.sendPush(ctx, p, msg)

	if err := out.Err(); err != nil {
		span.RecordError(err)
	}
	return out
}

func (d *Dispatcher) sendEmail(ctx context.Context, p *prescription.Prescription, msg Message) ChannelResult {
	var res ChannelResult
	if d.deps.Email == nil || p.PatientEmail == "" {
		return res
	}

	res.Attempted = 1
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	err := d.email.Do(ctx, func(ctx context.Context) error {
		return d.deps.Email.Send(ctx, p.PatientEmail, msg.Subject, msg.Text, msg.HTML)
	})
	if err != nil {
		res.Err = fmt.Errorf("email: %w", err)
		d.deps.Metrics.Notification(ChannelEmail, outcomeLabel(err))
		d.logger.Warn("email notification failed",
			zap.String("prescription_id", p.ID),
			zap.Error(err))
		return res
	}

	res.Delivered = 1
	d.deps.Metrics.Notification(ChannelEmail, "sent")
	return res
}

func (d *Dispatcher) sendPush(ctx context.Context, p *prescription.Prescription, msg Message) ChannelResult {
	var res ChannelResult
	if d.deps.Push == nil || d.deps.Subscriptions == nil {
		return res
	}

	subs, err := d.deps.Subscriptions.ListByUser(ctx, p.PatientID)
	if err != nil {
		res.Err = fmt.Errorf("push: list subscriptions: %w", err)
		return res
	}
	if len(subs) == 0 {
		return res
	}

	payload, err := encodePush(msg, p.ID, string(p.Status))
	if err != nil {
		res.Err = fmt.Errorf("push: encode: %w", err)
		return res
	}

	var errs []error
	for _, sub := range subs {
		res.Attempted++
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		err := d.push.Do(sendCtx, func(ctx context.Context) error {
			return d.deps.Push.Send(ctx, sub, payload)
		})
		cancel()

		switch {
		case err == nil:
			res.Delivered++
			d.deps.Metrics.Notification(ChannelPush, "sent")
		case errors.Is(err, ErrSubscriptionExpired):
			res.Expired++
			d.deps.Metrics.Notification(ChannelPush, "expired")
			if derr := d.deps.Subscriptions.DeleteEndpoint(ctx, sub.Endpoint); derr != nil {
				d.logger.Warn("failed to delete expired subscription",
					zap.String("subscription_id", sub.ID),
					zap.Error(derr))
			} else {
				d.logger.Info("deleted expired push subscription",
					zap.String("subscription_id", sub.ID),
					zap.String("user_id", sub.UserID))
			}
		default:
			errs = append(errs, err)
			d.deps.Metrics.Notification(ChannelPush, outcomeLabel(err))
			d.logger.Warn("push notification failed",
				zap.String("prescription_id", p.ID),
				zap.String("subscription_id", sub.ID),
				zap.Error(err))
		}
	}
	if len(errs) > 0 {
		res.Err = fmt.Errorf("push: %w", errors.Join(errs...))
	}
	return res
}

func outcomeLabel(err error) string {
	if circuitbreaker.IsOpenError(err) {
		return "circuit_open"
	}
	return "failed"
}

// observe turns pool results into activity entries.
func (d *Dispatcher) observe() {
	defer close(d.observed)
	for r := range d.pool.Results() {
		out, ok := r.Data.(Outcome)
		if !ok {
			n, _ := r.Task.Payload.(prescription.Notice)
			out = Outcome{Notice: n, Email: ChannelResult{Err: r.Error}}
		}
		d.recordOutcome(out)
	}
}

func (d *Dispatcher) recordOutcome(out Outcome) {
	if out.Skipped || d.deps.Activity == nil {
		return
	}
	if out.Email.Attempted == 0 && out.Push.Attempted == 0 && out.Err() == nil {
		return
	}

	p := out.Notice.Prescription
	meta := map[string]string{
		"kind":          string(out.Notice.Kind),
		"status":        string(p.Status),
		"emailSent":     strconv.Itoa(out.Email.Delivered),
		"pushSent":      strconv.Itoa(out.Push.Delivered),
		"pushAttempted": strconv.Itoa(out.Push.Attempted),
	}
	if out.Notice.ActorID != "" {
		meta["triggeredBy"] = out.Notice.ActorID
	}
	if out.Push.Expired > 0 {
		meta["pushExpired"] = strconv.Itoa(out.Push.Expired)
	}

	entry := activity.Entry{
		ActorID:        SystemActor,
		Action:         activity.ActionNotificationSent,
		Details:        fmt.Sprintf("%s notification delivered for status %s", out.Notice.Kind, p.Status),
		PrescriptionID: p.ID,
		Metadata:       meta,
	}
	if err := out.Err(); err != nil {
		entry.Action = activity.ActionNotificationFailed
		entry.Details = fmt.Sprintf("%s notification failed for status %s", out.Notice.Kind, p.Status)
		meta["error"] = err.Error()
	}

	// The request that triggered the notice is gone by now.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.deps.Activity.Record(ctx, entry)
}
