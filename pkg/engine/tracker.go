package engine

import (
	"context"
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/pkg/stores"
)

const defaultHistoryLimit = 64

// MergeRecord is the tracked state of one merge attempt between a pair of
// heads. The ID is a ULID minted when the merge starts, so sorting records
// by ID yields start order.
type MergeRecord struct {
	ID         string          `json:"id"`
	Left       stores.CommitID `json:"left"`
	Right      stores.CommitID `json:"right"`
	Result     stores.CommitID `json:"result,omitempty"`
	State      MergeState      `json:"state"`
	Conflicts  int             `json:"conflicts,omitempty"`
	Attempt    int             `json:"attempt,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// Duration returns how long the merge ran, or zero while it is still active.
func (r MergeRecord) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// StatusTracker folds the merge event stream into per-merge records: the
// attempts currently in flight and a bounded history of finished ones. It is
// a passive consumer; attach it to the same publisher the resolver emits to.
type StatusTracker struct {
	logger zerolog.Logger
	limit  int

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	mu      sync.RWMutex
	active  map[string]*MergeRecord
	history []MergeRecord
	heads   int
}

// NewStatusTracker creates a tracker keeping at most limit finished records.
// A non-positive limit selects the default of 64.
func NewStatusTracker(limit int, logger zerolog.Logger) *StatusTracker {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &StatusTracker{
		logger:  logger.With().Str("component", "status-tracker").Logger(),
		limit:   limit,
		entropy: ulid.Monotonic(rand.Reader, 0),
		active:  make(map[string]*MergeRecord),
		heads:   -1,
	}
}

// Attach subscribes the tracker to a publisher and consumes events until the
// returned stop function is called. Stop unsubscribes and waits for the
// consuming goroutine to drain.
func (t *StatusTracker) Attach(ctx context.Context, pub EventPublisher) (func(), error) {
	ch, id, err := pub.Subscribe(ctx, EventFilter{})
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			ev := ev
			t.Observe(&ev)
		}
	}()
	return func() {
		_ = pub.Unsubscribe(ctx, id)
		<-done
	}, nil
}

// Observe applies a single event to the tracked state. Events that carry no
// merge state, such as plain info lines, are ignored.
func (t *StatusTracker) Observe(ev *Event) {
	if ev == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case EventTypeMergeStarted:
		t.mergeStarted(ev)

	case EventTypeConflictDetected:
		if rec := t.active[mergePair(ev.Left, ev.Right)]; rec != nil {
			rec.State = MergeStateAwaitingResolution
			rec.Conflicts = detailInt(ev.Details, "conflicts", rec.Conflicts)
			rec.Message = ev.Message
		}

	case EventTypeMergeCompleted:
		t.finishMerge(ev, MergeStateDone)

	case EventTypeMergeCancelled:
		t.finishMerge(ev, MergeStateCancelled)

	case EventTypeMergeFailed:
		// A retryable failure carries the attempt counter and keeps its
		// record active for the retry; a permanent one retires it.
		if _, retry := ev.Details["attempt"]; retry {
			if rec := t.active[mergePair(ev.Left, ev.Right)]; rec != nil {
				rec.State = MergeStateError
				rec.Attempt = detailInt(ev.Details, "attempt", rec.Attempt)
				rec.Message = ev.Message
			}
			return
		}
		t.finishMerge(ev, MergeStateError)

	case EventTypeResolverDisconnected:
		if rec := t.active[mergePair(ev.Left, ev.Right)]; rec != nil {
			rec.Message = ev.Message
		}

	case EventTypeHeadsConverged:
		t.heads = detailInt(ev.Details, "heads", t.heads)
	}
}

// mergeStarted opens a record for the pair, or revives the existing one when
// a retry begins. Callers hold t.mu.
func (t *StatusTracker) mergeStarted(ev *Event) {
	pair := mergePair(ev.Left, ev.Right)
	if rec := t.active[pair]; rec != nil {
		rec.State = MergeStateDiffing
		rec.Result = ""
		rec.Message = ev.Message
		return
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	t.active[pair] = &MergeRecord{
		ID:        t.nextID(ts),
		Left:      ev.Left,
		Right:     ev.Right,
		State:     MergeStateDiffing,
		StartedAt: ts,
		Message:   ev.Message,
	}
}

// finishMerge retires the pair's record into history. A terminal event with
// no prior merge_started still produces a record so the history stays
// complete. Callers hold t.mu.
func (t *StatusTracker) finishMerge(ev *Event, state MergeState) {
	pair := mergePair(ev.Left, ev.Right)
	rec := t.active[pair]
	if rec == nil {
		ts := ev.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		rec = &MergeRecord{
			ID:        t.nextID(ts),
			Left:      ev.Left,
			Right:     ev.Right,
			StartedAt: ts,
		}
	}
	delete(t.active, pair)

	rec.State = state
	rec.Result = ev.Result
	rec.Message = ev.Message
	rec.FinishedAt = ev.Timestamp
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now().UTC()
	}

	t.history = append(t.history, *rec)
	if len(t.history) > t.limit {
		copy(t.history, t.history[len(t.history)-t.limit:])
		t.history = t.history[:t.limit]
	}
	t.logger.Debug().
		Str("merge", rec.ID).
		Str("state", string(state)).
		Dur("duration", rec.Duration()).
		Msg("merge retired to history")
}

// Active returns the in-flight merge records in start order.
func (t *StatusTracker) Active() []MergeRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]MergeRecord, 0, len(t.active))
	for _, rec := range t.active {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// History returns finished merge records, most recent first, capped at the
// tracker's limit.
func (t *StatusTracker) History() []MergeRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]MergeRecord, len(t.history))
	for i, rec := range t.history {
		out[len(t.history)-1-i] = rec
	}
	return out
}

// Heads returns the head count from the latest convergence event, or -1 when
// no merge pass has converged yet.
func (t *StatusTracker) Heads() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.heads
}

func (t *StatusTracker) nextID(ts time.Time) string {
	t.idMu.Lock()
	defer t.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(ts), t.entropy).String()
}

func mergePair(left, right stores.CommitID) string {
	return string(left) + "\x00" + string(right)
}

func detailInt(details map[string]interface{}, key string, fallback int) int {
	if details == nil {
		return fallback
	}
	switch v := details[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
