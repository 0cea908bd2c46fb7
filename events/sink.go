package events

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Delivery headers set by HTTPSink.
const (
	HeaderSignature = "X-Planwright-Signature"
	HeaderEvent     = "X-Planwright-Event"
	HeaderSeq       = "X-Planwright-Seq"
	HeaderPlan      = "X-Planwright-Plan"
)

// ErrRejected marks a sink response that retrying cannot fix.
var ErrRejected = errors.New("event rejected by sink")

// Sink receives signed event bodies.
type Sink interface {
	Deliver(ctx context.Context, ev Event, body []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event, body []byte) error

func (f SinkFunc) Deliver(ctx context.Context, ev Event, body []byte) error { return f(ctx, ev, body) }

// StatusError is a non-2xx sink response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("sink responded %d", e.Code) }

// Unwrap reports client errors other than 408 and 429 as ErrRejected.
func (e *StatusError) Unwrap() error {
	if e.Code >= 400 && e.Code < 500 && e.Code != http.StatusRequestTimeout && e.Code != http.StatusTooManyRequests {
		return ErrRejected
	}
	return nil
}

// HTTPSink POSTs event bodies to a webhook URL.
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTPSink returns a sink posting to url with a per-request timeout.
func NewHTTPSink(url string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSink{url: url, client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSink) Deliver(ctx context.Context, ev Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, ev.Signature)
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderSeq, strconv.FormatUint(ev.Seq, 10))
	req.Header.Set(HeaderPlan, ev.PlanID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{Code: resp.StatusCode}
}

// LogSink writes events to a logger. It is the sink used when no webhook
// URL is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink logging at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(_ context.Context, ev Event, _ []byte) error {
	s.logger.Info("event", "plan_id", ev.PlanID, "task_id", ev.TaskID, "seq", ev.Seq, "type", ev.Type)
	return nil
}

// Observer is notified after an event reaches the primary sink.
type Observer interface {
	Observe(ev Event, body []byte)
}

// Tee delivers to primary and, on success, notifies observers.
func Tee(primary Sink, observers ...Observer) Sink {
	return SinkFunc(func(ctx context.Context, ev Event, body []byte) error {
		if err := primary.Deliver(ctx, ev, body); err != nil {
			return err
		}
		for _, o := range observers {
			o.Observe(ev, body)
		}
		return nil
	})
}
