package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/planwright/task"
)

// RecordStatus is the delivery state of an outbox record.
type RecordStatus string

const (
	RecordPending   RecordStatus = "pending"
	RecordDelivered RecordStatus = "delivered"
	RecordFailed    RecordStatus = "failed"
)

// Record is an event as stored in the outbox. Body is the exact signed
// payload sent to the sink.
type Record struct {
	ID        string       `json:"id"`
	PlanID    string       `json:"plan_id"`
	TaskID    string       `json:"task_id,omitempty"`
	Seq       uint64       `json:"seq"`
	Type      Type         `json:"type"`
	Body      []byte       `json:"body"`
	Status    RecordStatus `json:"status"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Event decodes the stored body.
func (r Record) Event() (Event, error) { return Decode(r.Body) }

// Outbox durably stores events until they are delivered.
type Outbox interface {
	Append(ctx context.Context, r Record) error
	MarkDelivered(ctx context.Context, id string, attempts int) error
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error
	// Pending returns undelivered records ordered by plan then sequence.
	Pending(ctx context.Context) ([]Record, error)
	Failed(ctx context.Context, planID string) ([]Record, error)
	Get(ctx context.Context, id string) (Record, error)
	// Requeue moves a failed record back to pending.
	Requeue(ctx context.Context, id string) error
	LastSeq(ctx context.Context, planID string) (uint64, error)
}

// MemoryOutbox is a non-durable Outbox for tests and embedded use.
type MemoryOutbox struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryOutbox returns an empty outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{records: make(map[string]*Record)}
}

func (o *MemoryOutbox) Append(_ context.Context, r Record) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.records[r.ID]; exists {
		return fmt.Errorf("append event %s: duplicate id", r.ID)
	}
	for _, existing := range o.records {
		if existing.PlanID == r.PlanID && existing.Seq == r.Seq {
			return fmt.Errorf("append event %s: plan %s seq %d already used", r.ID, r.PlanID, r.Seq)
		}
	}
	r.Body = append([]byte(nil), r.Body...)
	o.records[r.ID] = &r
	return nil
}

func (o *MemoryOutbox) MarkDelivered(_ context.Context, id string, attempts int) error {
	return o.set(id, RecordDelivered, attempts, "")
}

func (o *MemoryOutbox) MarkFailed(_ context.Context, id string, attempts int, lastErr string) error {
	return o.set(id, RecordFailed, attempts, lastErr)
}

func (o *MemoryOutbox) set(id string, status RecordStatus, attempts int, lastErr string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.records[id]
	if !ok {
		return fmt.Errorf("event %s: %w", id, task.ErrNotFound)
	}
	r.Status = status
	r.Attempts = attempts
	r.LastError = lastErr
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (o *MemoryOutbox) Pending(_ context.Context) ([]Record, error) {
	return o.filter(func(r *Record) bool { return r.Status == RecordPending }), nil
}

func (o *MemoryOutbox) Failed(_ context.Context, planID string) ([]Record, error) {
	return o.filter(func(r *Record) bool {
		return r.Status == RecordFailed && (planID == "" || r.PlanID == planID)
	}), nil
}

// All returns every record ordered by plan then sequence.
func (o *MemoryOutbox) All() []Record {
	return o.filter(func(*Record) bool { return true })
}

func (o *MemoryOutbox) filter(keep func(*Record) bool) []Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Record
	for _, r := range o.records {
		if keep(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PlanID != out[j].PlanID {
			return out[i].PlanID < out[j].PlanID
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

func (o *MemoryOutbox) Get(_ context.Context, id string) (Record, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.records[id]
	if !ok {
		return Record{}, fmt.Errorf("event %s: %w", id, task.ErrNotFound)
	}
	return *r, nil
}

func (o *MemoryOutbox) Requeue(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.records[id]
	if !ok {
		return fmt.Errorf("event %s: %w", id, task.ErrNotFound)
	}
	r.Status = RecordPending
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (o *MemoryOutbox) LastSeq(_ context.Context, planID string) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var last uint64
	for _, r := range o.records {
		if r.PlanID == planID && r.Seq > last {
			last = r.Seq
		}
	}
	return last, nil
}
