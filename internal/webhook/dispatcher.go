package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/voxpipe/voxpipe/internal/job"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Voxpipe-Signature"

// Event is the payload delivered on every job transition.
type Event struct {
	JobID        string    `json:"job_id"`
	OwnerID      string    `json:"owner_id"`
	State        job.State `json:"state"`
	CurrentStage job.Stage `json:"current_stage"`
	Progress     float64   `json:"progress"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// dedupeKey identifies one transition. Re-emits of the same snapshot, for
// example after a worker retries a store write, collapse to one delivery.
func (e Event) dedupeKey() string {
	return e.JobID + "|" + e.UpdatedAt.UTC().Format(time.RFC3339Nano)
}

// Dispatcher fans job transitions out to registered endpoints. It observes
// the job store through a Notifier hook and delivers asynchronously so store
// mutations never wait on the network.
type Dispatcher struct {
	store       Store
	secret      string
	httpClient  *http.Client
	maxRetries  int
	baseBackoff time.Duration
	logger      *slog.Logger

	queue chan Event

	mu   sync.Mutex
	seen map[string]struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHTTPClient sets a custom HTTP client for deliveries.
func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) {
		d.httpClient = c
	}
}

// WithMaxRetries sets the delivery attempts per endpoint for retryable
// failures.
func WithMaxRetries(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxRetries = n
	}
}

// WithBaseBackoff sets the initial backoff between delivery attempts.
func WithBaseBackoff(dur time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.baseBackoff = dur
	}
}

// WithQueueSize bounds the in-flight event buffer.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.queue = make(chan Event, n)
	}
}

// NewDispatcher creates a Dispatcher. The secret signs deliveries for
// registrations that carry no secret of their own.
func NewDispatcher(store Store, secret string, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		secret:      secret,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		maxRetries:  3,
		baseBackoff: time.Second,
		logger:      logger,
		queue:       make(chan Event, 256),
		seen:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify is the job store hook. It never blocks the caller: when the queue
// is full the event is dropped with a log line, the job record itself stays
// the source of truth.
func (d *Dispatcher) Notify(j *job.Job) {
	ev := Event{
		JobID:        j.ID,
		OwnerID:      j.OwnerID,
		State:        j.State,
		CurrentStage: j.CurrentStage,
		Progress:     j.Progress,
		UpdatedAt:    j.UpdatedAt,
	}

	d.mu.Lock()
	key := ev.dedupeKey()
	if _, dup := d.seen[key]; dup {
		d.mu.Unlock()
		return
	}
	d.seen[key] = struct{}{}
	// The dedupe window is bounded; old keys cannot recur because UpdatedAt
	// only moves forward.
	if len(d.seen) > 8192 {
		d.seen = map[string]struct{}{key: {}}
	}
	d.mu.Unlock()

	select {
	case d.queue <- ev:
	default:
		d.logger.Warn("webhook queue full, dropping event",
			"job_id", ev.JobID,
			"state", ev.State,
		)
	}
}

// Run consumes the queue until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

// deliver posts one event to every enabled endpoint of the owning account.
func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	regs, err := d.store.ListByOwner(ctx, ev.OwnerID)
	if err != nil {
		d.logger.Error("webhook registration lookup failed", "owner_id", ev.OwnerID, "error", err)
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("webhook payload marshal failed", "job_id", ev.JobID, "error", err)
		return
	}

	for _, reg := range regs {
		if !reg.Enabled {
			continue
		}
		if err := d.post(ctx, reg, body); err != nil {
			d.logger.Error("webhook delivery failed",
				"registration_id", reg.ID,
				"url", reg.URL,
				"job_id", ev.JobID,
				"error", err,
			)
		}
	}
}

// post delivers one signed payload with exponential backoff on retryable
// failures. Network errors and 5xx responses retry; any other status is
// final.
func (d *Dispatcher) post(ctx context.Context, reg *Registration, body []byte) error {
	secret := reg.Secret
	if secret == "" {
		secret = d.secret
	}
	signature := Sign(secret, body)

	var lastErr error
	backoff := d.baseBackoff

	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("webhook: context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := d.doPost(ctx, reg.URL, signature, body)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("webhook: retries exhausted: %w", lastErr)
}

func (d *Dispatcher) doPost(ctx context.Context, url, signature string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return &retryableError{err: fmt.Errorf("webhook: request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return &retryableError{err: fmt.Errorf("webhook: endpoint returned %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// retryableError wraps delivery failures worth another attempt.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// Sign computes the hex HMAC-SHA256 of body under secret. Receivers verify
// deliveries by recomputing this over the raw request body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
