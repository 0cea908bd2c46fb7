package events

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/planwright/internal/sqlite"
)

// recordingSink remembers every delivery attempt. fail, when set, decides
// whether an attempt fails.
type recordingSink struct {
	mu        sync.Mutex
	attempts  map[string]int
	delivered []Event
	bodies    [][]byte
	fail      func(ev Event, attempt int) error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{attempts: make(map[string]int)}
}

func (s *recordingSink) Deliver(_ context.Context, ev Event, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[ev.ID]++
	if s.fail != nil {
		if err := s.fail(ev, s.attempts[ev.ID]); err != nil {
			return err
		}
	}
	s.delivered = append(s.delivered, ev)
	s.bodies = append(s.bodies, append([]byte(nil), body...))
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func (s *recordingSink) seqs(planID string) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint64
	for _, ev := range s.delivered {
		if ev.PlanID == planID {
			out = append(out, ev.Seq)
		}
	}
	return out
}

func fastConfig() Config {
	return Config{Rate: 1000, Burst: 100, MaxAttempts: 5, InitialBackoff: time.Millisecond}
}

func newTestService(t *testing.T, outbox Outbox, sink Sink) *Service {
	t.Helper()
	svc := NewService(fastConfig(), outbox, sink, NewSigner([]byte("secret")), nil)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc
}

func TestSignerVerify(t *testing.T) {
	s := NewSigner([]byte("k"))
	sig := s.Sign([]byte("body"))
	assert.True(t, s.Verify([]byte("body"), sig))
	assert.False(t, s.Verify([]byte("body!"), sig))
	assert.False(t, NewSigner([]byte("other")).Verify([]byte("body"), sig))
	assert.False(t, s.Verify([]byte("body"), "md5=abc"))
}

func TestSendOrdersPerPlanAndSigns(t *testing.T) {
	sink := newRecordingSink()
	svc := newTestService(t, NewMemoryOutbox(), sink)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		for _, plan := range []string{"p1", "p2"} {
			ev, err := svc.Send(ctx, Draft{PlanID: plan, Type: TypeTaskStarted, Payload: map[string]any{"i": i}})
			require.NoError(t, err)
			assert.Equal(t, uint64(i+1), ev.Seq)
		}
	}

	require.Eventually(t, func() bool { return sink.count() == 40 }, 5*time.Second, 5*time.Millisecond)
	for _, plan := range []string{"p1", "p2"} {
		seqs := sink.seqs(plan)
		for i, seq := range seqs {
			assert.Equal(t, uint64(i+1), seq, "plan %s delivered out of order", plan)
		}
	}

	signer := NewSigner([]byte("secret"))
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, body := range sink.bodies {
		_, ok := signer.VerifyEvent(body)
		assert.True(t, ok, "signature must verify: %s", body)
	}
}

func TestSendRequiresPlan(t *testing.T) {
	svc := newTestService(t, NewMemoryOutbox(), newRecordingSink())
	_, err := svc.Send(context.Background(), Draft{Type: TypePlanWarning})
	assert.Error(t, err)
}

func TestDeliveryRetriesWithBackoff(t *testing.T) {
	sink := newRecordingSink()
	sink.fail = func(_ Event, attempt int) error {
		if attempt < 3 {
			return errors.New("sink down")
		}
		return nil
	}
	outbox := NewMemoryOutbox()
	svc := newTestService(t, outbox, sink)

	ev, err := svc.Send(context.Background(), Draft{PlanID: "p", Type: TypeTaskCompleted})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r, _ := outbox.Get(context.Background(), ev.ID)
		return r.Status == RecordDelivered
	}, 5*time.Second, 5*time.Millisecond)

	r, err := outbox.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Attempts)
}

func TestExhaustedEventIsRetainedAndDoesNotBlockPlan(t *testing.T) {
	sink := newRecordingSink()
	var poison string
	var mu sync.Mutex
	sink.fail = func(ev Event, _ int) error {
		mu.Lock()
		defer mu.Unlock()
		if ev.ID == poison {
			return errors.New("always failing")
		}
		return nil
	}
	outbox := NewMemoryOutbox()
	svc := newTestService(t, outbox, sink)
	ctx := context.Background()

	mu.Lock()
	first, err := svc.Send(ctx, Draft{PlanID: "p", Type: TypeTaskStarted})
	require.NoError(t, err)
	poison = first.ID
	mu.Unlock()
	second, err := svc.Send(ctx, Draft{PlanID: "p", Type: TypeTaskCompleted})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		failed, _ := svc.Failed(ctx, "p")
		return len(failed) == 1 && sink.count() == 1
	}, 5*time.Second, 5*time.Millisecond)

	failed, err := svc.Failed(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, first.ID, failed[0].ID)
	assert.Equal(t, 5, failed[0].Attempts)
	assert.Contains(t, failed[0].LastError, "always failing")
	assert.Equal(t, []uint64{second.Seq}, sink.seqs("p"))

	// Heal the sink and redeliver the retained event unchanged.
	mu.Lock()
	poison = ""
	mu.Unlock()
	require.NoError(t, svc.Redeliver(ctx, first.ID))
	require.Eventually(t, func() bool { return sink.count() == 2 }, 5*time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	redelivered := sink.bodies[1]
	sink.mu.Unlock()
	stored, err := outbox.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.Body, redelivered, "redelivery resends the same content")

	assert.Error(t, svc.Redeliver(ctx, second.ID), "delivered events cannot be redelivered")
}

func TestRejectedEventIsNotRetried(t *testing.T) {
	sink := newRecordingSink()
	sink.fail = func(Event, int) error { return &StatusError{Code: http.StatusBadRequest} }
	svc := newTestService(t, NewMemoryOutbox(), sink)
	ctx := context.Background()

	ev, err := svc.Send(ctx, Draft{PlanID: "p", Type: TypePlanCompleted})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		failed, _ := svc.Failed(ctx, "p")
		return len(failed) == 1
	}, 5*time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 1, sink.attempts[ev.ID])
}

func TestRateLimiterCapsThroughput(t *testing.T) {
	sink := newRecordingSink()
	svc := NewService(Config{Rate: 20, Burst: 1, MaxAttempts: 1, InitialBackoff: time.Millisecond},
		NewMemoryOutbox(), sink, NewSigner(nil), nil)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := svc.Send(context.Background(), Draft{PlanID: fmt.Sprintf("p%d", i), Type: TypeTaskStarted})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return sink.count() == 5 }, 5*time.Second, 5*time.Millisecond)
	// 1 burst token, then 4 more at 20/s.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestStartResumesPendingAndSequence(t *testing.T) {
	outbox := NewMemoryOutbox()
	ctx := context.Background()

	// A previous process stored two events after it stopped delivering.
	blocked := SinkFunc(func(context.Context, Event, []byte) error { return errors.New("offline") })
	first := NewService(Config{Rate: 1000, Burst: 10, MaxAttempts: 1, InitialBackoff: time.Millisecond},
		outbox, blocked, NewSigner([]byte("s")), nil)
	require.NoError(t, first.Close(ctx))
	for i := 0; i < 2; i++ {
		_, err := first.Send(ctx, Draft{PlanID: "p", Type: TypeTaskStarted})
		require.NoError(t, err)
	}
	pending, err := outbox.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	sink := newRecordingSink()
	svc := newTestService(t, outbox, sink)
	require.Eventually(t, func() bool { return sink.count() == 2 }, 5*time.Second, 5*time.Millisecond)

	ev, err := svc.Send(ctx, Draft{PlanID: "p", Type: TypeTaskCompleted})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ev.Seq, "sequence survives restart")

	last, err := svc.LastSeq(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)
}

func (s *Service) queued(planID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.plans[planID]
	return ok
}

func TestFinishedPlanQueueIsReleased(t *testing.T) {
	sink := newRecordingSink()
	svc := newTestService(t, NewMemoryOutbox(), sink)
	ctx := context.Background()

	for _, typ := range []Type{TypeTaskStarted, TypeTaskCompleted} {
		_, err := svc.Send(ctx, Draft{PlanID: "done", Type: typ})
		require.NoError(t, err)
	}
	_, err := svc.Send(ctx, Draft{PlanID: "busy", Type: TypeTaskStarted})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sink.count() == 3 }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, svc.queued("done"), "plan still running keeps its queue")

	_, err = svc.Send(ctx, Draft{PlanID: "done", Type: TypePlanCompleted})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !svc.queued("done") }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, svc.queued("busy"))
	_, tracked := svc.seq.Last("done")
	assert.False(t, tracked)

	last, err := svc.LastSeq(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)

	// A late event continues the sequence from the outbox.
	ev, err := svc.Send(ctx, Draft{PlanID: "done", Type: TypePlanWarning})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), ev.Seq)
	require.Eventually(t, func() bool { return sink.count() == 5 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1, 2, 3, 4}, sink.seqs("done"))
}

func TestRedeliveredQueueIsReleased(t *testing.T) {
	sink := newRecordingSink()
	sink.fail = func(Event, int) error { return ErrRejected }
	svc := newTestService(t, NewMemoryOutbox(), sink)
	ctx := context.Background()

	ev, err := svc.Send(ctx, Draft{PlanID: "p", Type: TypeTaskStarted})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		failed, err := svc.Failed(ctx, "p")
		return err == nil && len(failed) == 1
	}, 5*time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	sink.fail = nil
	sink.mu.Unlock()
	require.NoError(t, svc.Redeliver(ctx, ev.ID))
	require.Eventually(t, func() bool { return sink.count() == 1 && !svc.queued("p") }, 5*time.Second, 5*time.Millisecond)
}

type collector struct {
	mu  sync.Mutex
	got []Event
}

func (c *collector) Observe(ev Event, _ []byte) {
	c.mu.Lock()
	c.got = append(c.got, ev)
	c.mu.Unlock()
}

func TestTeeNotifiesObserversAfterDelivery(t *testing.T) {
	obs := &collector{}
	fail := true
	primary := SinkFunc(func(context.Context, Event, []byte) error {
		if fail {
			return errors.New("no")
		}
		return nil
	})
	sink := Tee(primary, obs)

	require.Error(t, sink.Deliver(context.Background(), Event{ID: "1"}, nil))
	assert.Empty(t, obs.got)
	fail = false
	require.NoError(t, sink.Deliver(context.Background(), Event{ID: "2"}, nil))
	assert.Len(t, obs.got, 1)
}

func TestHTTPSink(t *testing.T) {
	var mu sync.Mutex
	status := http.StatusOK
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotHeaders = r.Header.Clone()
		w.WriteHeader(status)
	}))
	defer srv.Close()
	setStatus := func(code int) {
		mu.Lock()
		status = code
		mu.Unlock()
	}

	sink := NewHTTPSink(srv.URL, time.Second)
	ev := Event{ID: "e", PlanID: "p", Seq: 7, Type: TypeTaskFailed, Signature: "sha256=00"}

	require.NoError(t, sink.Deliver(context.Background(), ev, []byte(`{}`)))
	mu.Lock()
	assert.Equal(t, "sha256=00", gotHeaders.Get(HeaderSignature))
	assert.Equal(t, "task-failed", gotHeaders.Get(HeaderEvent))
	assert.Equal(t, strconv.Itoa(7), gotHeaders.Get(HeaderSeq))
	assert.Equal(t, "p", gotHeaders.Get(HeaderPlan))
	mu.Unlock()

	setStatus(http.StatusUnprocessableEntity)
	assert.ErrorIs(t, sink.Deliver(context.Background(), ev, []byte(`{}`)), ErrRejected)

	for _, code := range []int{http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusBadGateway} {
		setStatus(code)
		err := sink.Deliver(context.Background(), ev, []byte(`{}`))
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrRejected), "status %d should be retryable", code)
	}
}

func TestSQLiteOutbox(t *testing.T) {
	f, err := os.CreateTemp("", "planwright-outbox-*.db")
	require.NoError(t, err)
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })
	db, err := sqlite.Open(f.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	outbox, err := NewSQLiteOutbox(db)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now().UTC()

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, outbox.Append(ctx, Record{
			ID: fmt.Sprintf("e%d", seq), PlanID: "p", Seq: seq, Type: TypeTaskStarted,
			Body: []byte(`{"seq":` + strconv.FormatUint(seq, 10) + `}`), CreatedAt: now, UpdatedAt: now,
		}))
	}
	assert.Error(t, outbox.Append(ctx, Record{ID: "dup", PlanID: "p", Seq: 2, Type: TypeTaskStarted,
		Body: []byte(`{}`), CreatedAt: now, UpdatedAt: now}), "plan+seq is unique")

	require.NoError(t, outbox.MarkDelivered(ctx, "e1", 1))
	require.NoError(t, outbox.MarkFailed(ctx, "e2", 5, "boom"))

	pending, err := outbox.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "e3", pending[0].ID)
	assert.Equal(t, `{"seq":3}`, string(pending[0].Body))

	failed, err := outbox.Failed(ctx, "p")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 5, failed[0].Attempts)
	assert.Equal(t, "boom", failed[0].LastError)

	require.NoError(t, outbox.Requeue(ctx, "e2"))
	pending, err = outbox.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	last, err := outbox.LastSeq(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)
	last, err = outbox.LastSeq(ctx, "other")
	require.NoError(t, err)
	assert.Zero(t, last)

	_, err = outbox.Get(ctx, "missing")
	assert.Error(t, err)
}
