package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"podcast-pipeline/internal/logging"
	"podcast-pipeline/internal/messages"
	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/queue"
	"podcast-pipeline/internal/store"
	"podcast-pipeline/internal/telemetry"
	"podcast-pipeline/internal/transition"
)

// Handler processes one decoded message.
type Handler func(ctx context.Context, msg messages.Message) error

const (
	outcomeOK             = "ok"
	outcomeMalformed      = "malformed"
	outcomeFailed         = "failed"
	outcomeDeliveryFailed = "delivery_failed"
	outcomeRetry          = "retry"
)

// Processor drives the consumer loop for one worker process: read, handle, route failures, ack.
type Processor struct {
	queue        *queue.RedisQueue
	mover        *transition.Mover
	handlers     map[string]Handler
	component    string
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewProcessor creates a processor. component tags the dead-letter entries it writes.
func NewProcessor(q *queue.RedisQueue, mover *transition.Mover, component string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = logging.Discard()
	}
	if component == "" {
		component = "worker"
	}
	return &Processor{
		queue:        q,
		mover:        mover,
		handlers:     make(map[string]Handler),
		component:    component,
		pollInterval: time.Second,
		logger:       logger.With("component", component),
	}
}

// RegisterHandler binds a handler to a topic.
func (p *Processor) RegisterHandler(topic string, handler Handler) {
	if topic == "" || handler == nil {
		return
	}
	p.handlers[topic] = handler
}

// Topics lists the registered topics in a stable order.
func (p *Processor) Topics() []string {
	topics := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Run consumes until ctx is cancelled. Entries another consumer abandoned are reclaimed every half
// visibility timeout.
func (p *Processor) Run(ctx context.Context) error {
	topics := p.Topics()
	if len(topics) == 0 {
		return errors.New("no handlers registered")
	}
	if err := p.queue.EnsureGroups(ctx, topics); err != nil {
		return err
	}
	p.logger.Info("worker started", "topics", topics)

	reclaimEvery := p.queue.Visibility() / 2
	if reclaimEvery <= 0 {
		reclaimEvery = time.Minute
	}
	ticker := time.NewTicker(reclaimEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.reclaim(ctx, topics)
			p.recordDepth(ctx, topics)
		default:
		}

		n, err := p.ProcessOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("read failed", "error", err)
		}
		if err != nil || n == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.pollInterval):
			}
		}
	}
}

// ProcessOnce reads one batch of new deliveries and handles them. It returns how many were handled.
func (p *Processor) ProcessOnce(ctx context.Context) (int, error) {
	deliveries, err := p.queue.Read(ctx, p.Topics())
	if err != nil {
		return 0, err
	}
	for _, d := range deliveries {
		p.Process(ctx, d)
	}
	return len(deliveries), nil
}

func (p *Processor) reclaim(ctx context.Context, topics []string) {
	deliveries, err := p.queue.Reclaim(ctx, topics)
	if err != nil {
		p.logger.Warn("reclaim failed", "error", err)
	}
	for _, d := range deliveries {
		p.logger.Info("reclaimed delivery", "topic", d.Topic, "id", d.ID, "job_id", d.JobID)
		p.Process(ctx, d)
	}
}

func (p *Processor) recordDepth(ctx context.Context, topics []string) {
	depth, err := p.queue.Depth(ctx, topics)
	if err != nil {
		return
	}
	for t, n := range depth {
		telemetry.StreamDepthGauge.WithLabelValues(t).Set(float64(n))
	}
}

// Process handles one delivery and acks it afterwards. A delivery interrupted by shutdown is left
// pending so another consumer reclaims it.
func (p *Processor) Process(ctx context.Context, d queue.Delivery) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	start := time.Now()

	outcome := p.handle(ctx, d)
	telemetry.HandlerDuration.WithLabelValues(d.Topic).Observe(time.Since(start).Seconds())
	telemetry.MessagesHandled.WithLabelValues(d.Topic, outcome).Inc()
	if outcome == outcomeRetry {
		return
	}
	if err := p.queue.Ack(context.WithoutCancel(ctx), d); err != nil {
		p.logger.Error("ack failed", "topic", d.Topic, "id", d.ID, "error", err)
	}
}

func (p *Processor) handle(ctx context.Context, d queue.Delivery) string {
	msg, err := messages.Decode(d.Topic, d.Payload)
	if err != nil {
		p.logger.Warn("malformed message", "topic", d.Topic, "id", d.ID, "error", err)
		p.deadLetter(ctx, d, err)
		return outcomeMalformed
	}
	handler, ok := p.handlers[d.Topic]
	if !ok {
		err := fmt.Errorf("no handler registered for %s", d.Topic)
		p.deadLetter(ctx, d, err)
		return outcomeMalformed
	}

	err = p.invoke(ctx, handler, msg)
	switch {
	case err == nil:
		return outcomeOK
	case ctx.Err() != nil:
		p.logger.Warn("handler interrupted", "topic", d.Topic, "job_id", msg.Key(), "error", err)
		return outcomeRetry
	case errors.Is(err, queue.ErrDeliveryFailed):
		// The follow-up is already in the DLQ; replay or reconciliation resumes the job.
		p.logger.Warn("follow-up delivery failed", "topic", d.Topic, "job_id", msg.Key(), "error", err)
		return outcomeDeliveryFailed
	}

	p.logger.Error("handler failed", "topic", d.Topic, "job_id", msg.Key(), "error", err)
	p.failJob(ctx, msg.Key(), err)
	p.deadLetter(ctx, d, err)
	return outcomeFailed
}

// invoke runs the handler, turning a panic into an error.
func (p *Processor) invoke(ctx context.Context, h Handler, msg messages.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.logger.Error("handler panic", "topic", msg.Topic(), "job_id", msg.Key(), "stack", string(debug.Stack()))
		}
	}()
	return h(ctx, msg)
}

func (p *Processor) failJob(ctx context.Context, jobID string, cause error) {
	_, err := p.mover.Apply(context.WithoutCancel(ctx), jobID, func(j *models.Job) error {
		if j.Status.Terminal() {
			return store.ErrSkip
		}
		j.Fail(cause.Error())
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrSkip) {
		p.logger.Error("could not mark job failed", "job_id", jobID, "error", err)
	}
}

func (p *Processor) deadLetter(ctx context.Context, d queue.Delivery, cause error) {
	entry := queue.DeadLetter{
		OriginalTopic: d.Topic,
		JobID:         d.JobID,
		Message:       string(d.Payload),
		Error:         cause.Error(),
		Component:     p.component,
	}
	if entry.JobID == "" {
		entry.JobID = messages.JobIDOf(d.Payload)
	}
	if err := p.queue.DeadLetter(context.WithoutCancel(ctx), entry); err != nil {
		p.logger.Error("dead-letter write failed", "topic", d.Topic, "id", d.ID, "error", err)
	}
}
