package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Config tunes delivery.
type Config struct {
	Rate           float64       // events per second across all plans
	Burst          int           // limiter burst
	MaxAttempts    int           // total delivery attempts per event
	InitialBackoff time.Duration // doubled after every failed attempt
}

// DefaultConfig returns the default delivery settings.
func DefaultConfig() Config {
	return Config{Rate: 15, Burst: 5, MaxAttempts: 5, InitialBackoff: time.Second}
}

// Metrics receives delivery counters. The metrics package implements it.
type Metrics interface {
	EventSent(t Type)
	EventDelivered(t Type, attempts int)
	EventFailed(t Type, attempts int)
}

type nopMetrics struct{}

func (nopMetrics) EventSent(Type)           {}
func (nopMetrics) EventDelivered(Type, int) {}
func (nopMetrics) EventFailed(Type, int)    {}

// Service is the event delivery service.
type Service struct {
	cfg     Config
	outbox  Outbox
	sink    Sink
	signer  *Signer
	seq     *Sequencer
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	plans  map[string]*planQueue
	closed bool
}

// planQueue serializes Send for one plan and holds its undelivered records.
// A queue whose plan has finished is dropped once it drains; the outbox
// remains the record of the plan's sequence.
type planQueue struct {
	planID  string
	sendMu  sync.Mutex
	seeded  bool
	items   []Record
	running bool
	final   bool
	removed bool
}

// NewService returns a delivery service. Call Start to resume undelivered
// events from a previous run and Close to stop delivery.
func NewService(cfg Config, outbox Outbox, sink Sink, signer *Signer, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.Rate <= 0 {
		cfg.Rate = def.Rate
	}
	if cfg.Burst < 1 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:     cfg,
		outbox:  outbox,
		sink:    sink,
		signer:  signer,
		seq:     NewSequencer(),
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		logger:  logger,
		metrics: nopMetrics{},
		now:     func() time.Time { return time.Now().UTC() },
		ctx:     ctx,
		cancel:  cancel,
		plans:   make(map[string]*planQueue),
	}
}

// SetMetrics installs a metrics recorder. Call before Start.
func (s *Service) SetMetrics(m Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// Start re-enqueues events left pending by a previous run.
func (s *Service) Start(ctx context.Context) error {
	pending, err := s.outbox.Pending(ctx)
	if err != nil {
		return fmt.Errorf("load pending events: %w", err)
	}
	for _, r := range pending {
		s.enqueue(r, true)
	}
	if len(pending) > 0 {
		s.logger.Info("resuming event delivery", "pending", len(pending))
	}
	return nil
}

// Send assigns the next sequence number for d.PlanID, signs and durably
// stores the event, queues it for delivery and returns it. It does not wait
// for delivery.
func (s *Service) Send(ctx context.Context, d Draft) (Event, error) {
	if d.PlanID == "" {
		return Event{}, errors.New("send event: plan id required")
	}
	payload, err := normalizePayload(d.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("send event: %w", err)
	}

	q, err := s.lockQueue(ctx, d.PlanID)
	if err != nil {
		return Event{}, err
	}
	defer q.sendMu.Unlock()

	last, _ := s.seq.Last(d.PlanID)
	ev := Event{
		ID:        uuid.New().String(),
		PlanID:    d.PlanID,
		TaskID:    d.TaskID,
		Seq:       last + 1,
		Type:      d.Type,
		Timestamp: s.now(),
		Payload:   payload,
	}
	unsigned, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("encode event: %w", err)
	}
	ev.Signature = s.signer.Sign(unsigned)
	body, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("encode event: %w", err)
	}

	rec := Record{
		ID:        ev.ID,
		PlanID:    ev.PlanID,
		TaskID:    ev.TaskID,
		Seq:       ev.Seq,
		Type:      ev.Type,
		Body:      body,
		Status:    RecordPending,
		CreatedAt: ev.Timestamp,
		UpdatedAt: ev.Timestamp,
	}
	if err := s.outbox.Append(ctx, rec); err != nil {
		return Event{}, err
	}
	s.seq.Advance(ev.PlanID, ev.Seq)
	s.metrics.EventSent(ev.Type)
	s.enqueue(rec, ev.Type == TypePlanCompleted)
	return ev, nil
}

// lockQueue returns the plan's queue with its send lock held, seeding the
// plan's sequence from the outbox the first time the queue is used.
func (s *Service) lockQueue(ctx context.Context, planID string) (*planQueue, error) {
	for {
		s.mu.Lock()
		q := s.queueLocked(planID)
		s.mu.Unlock()

		q.sendMu.Lock()
		if q.removed {
			q.sendMu.Unlock()
			continue
		}
		if !q.seeded {
			last, err := s.outbox.LastSeq(ctx, planID)
			if err != nil {
				q.sendMu.Unlock()
				return nil, err
			}
			s.seq.Advance(planID, last)
			q.seeded = true
		}
		return q, nil
	}
}

// queueLocked returns the plan's queue, creating it. s.mu must be held.
func (s *Service) queueLocked(planID string) *planQueue {
	q, ok := s.plans[planID]
	if !ok {
		q = &planQueue{planID: planID}
		s.plans[planID] = q
	}
	return q
}

// enqueue queues r for delivery. final marks the plan as finished so its
// queue is released after the last delivery.
func (s *Service) enqueue(r Record, final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	q := s.queueLocked(r.PlanID)
	q.items = append(q.items, r)
	if final {
		q.final = true
	}
	if !q.running {
		q.running = true
		s.wg.Add(1)
		go s.drain(q)
	}
}

// release drops a drained queue of a finished plan. A Send in progress holds
// the send lock, in which case the queue stays and the Send's own enqueue
// brings it back here. s.mu must be held.
func (s *Service) release(q *planQueue) {
	if !q.final || len(q.items) > 0 || s.plans[q.planID] != q {
		return
	}
	if !q.sendMu.TryLock() {
		return
	}
	q.removed = true
	delete(s.plans, q.planID)
	s.seq.Forget(q.planID)
	q.sendMu.Unlock()
}

// drain delivers one plan's records in order until its queue is empty.
func (s *Service) drain(q *planQueue) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(q.items) == 0 || s.ctx.Err() != nil {
			q.running = false
			if s.ctx.Err() == nil {
				s.release(q)
			}
			s.mu.Unlock()
			return
		}
		r := q.items[0]
		q.items = q.items[1:]
		s.mu.Unlock()

		s.deliver(r)
	}
}

func (s *Service) deliver(r Record) {
	log := s.logger.With("plan_id", r.PlanID, "seq", r.Seq, "event_id", r.ID)
	ev, err := r.Event()
	if err != nil {
		log.Error("corrupt outbox record", "err", err)
		_ = s.outbox.MarkFailed(s.ctx, r.ID, 0, err.Error())
		return
	}

	attempts := 0
	op := func() error {
		if err := s.limiter.Wait(s.ctx); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		err := s.sink.Deliver(s.ctx, ev, r.Body)
		if errors.Is(err, ErrRejected) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = s.cfg.InitialBackoff << 6
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxAttempts-1)), s.ctx)

	err = backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		log.Debug("event delivery retry", "attempt", attempts, "wait", wait, "err", err)
	})
	if err == nil {
		if err := s.outbox.MarkDelivered(s.ctx, r.ID, attempts); err != nil {
			log.Warn("mark event delivered", "err", err)
		}
		s.metrics.EventDelivered(ev.Type, attempts)
		return
	}
	if s.ctx.Err() != nil {
		// Shutting down; the record stays pending for the next Start.
		return
	}

	derr := &DeliveryError{EventID: r.ID, Attempts: attempts, Err: err}
	log.Warn("event moved to failed set", "attempt", attempts, "err", derr)
	if err := s.outbox.MarkFailed(context.Background(), r.ID, attempts, derr.Error()); err != nil {
		log.Error("mark event failed", "err", err)
	}
	s.metrics.EventFailed(ev.Type, attempts)
}

// ErrNotRedeliverable is returned by Redeliver for events that have not failed.
var ErrNotRedeliverable = errors.New("only failed events can be redelivered")

// Failed returns the events of planID that exhausted their retries. An
// empty planID returns failed events of every plan.
func (s *Service) Failed(ctx context.Context, planID string) ([]Record, error) {
	return s.outbox.Failed(ctx, planID)
}

// Redeliver queues a failed event again with its original content.
func (s *Service) Redeliver(ctx context.Context, eventID string) error {
	r, err := s.outbox.Get(ctx, eventID)
	if err != nil {
		return err
	}
	if r.Status != RecordFailed {
		return fmt.Errorf("event %s is %s: %w", eventID, r.Status, ErrNotRedeliverable)
	}
	if err := s.outbox.Requeue(ctx, eventID); err != nil {
		return err
	}
	r.Status = RecordPending
	s.enqueue(r, true)
	return nil
}

// LastSeq returns the highest sequence number issued for planID. Plans
// without a live queue are answered from the outbox.
func (s *Service) LastSeq(ctx context.Context, planID string) (uint64, error) {
	if last, ok := s.seq.Last(planID); ok {
		return last, nil
	}
	return s.outbox.LastSeq(ctx, planID)
}

// Close stops queueing new deliveries and waits for queued events to drain.
// Events sent after Close stay pending in the outbox. If ctx ends first,
// in-flight deliveries are abandoned and also remain pending.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.cancel()
	<-done
	return err
}

// normalizePayload round-trips p through JSON so the signed body matches
// what a receiver re-encodes after decoding.
func normalizePayload(p map[string]any) (map[string]any, error) {
	if len(p) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
