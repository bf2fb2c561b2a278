package webhooks

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
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned when enqueueing after Close.
var ErrClosed = errors.New("webhook: dispatcher closed")

// EventType represents the logical webhook topic.
type EventType string

const (
	// EventClaimTransition is emitted when a watched subject changes state.
	EventClaimTransition EventType = "loop.claim.transition"
	// EventClaimSubmitted is emitted after claimAndRegister is mined.
	EventClaimSubmitted EventType = "loop.claim.submitted"

	// SignatureHeader carries the hex HMAC-SHA256 of the body.
	SignatureHeader = "X-Loop-Signature"
	// EventHeader carries the event type.
	EventHeader = "X-Loop-Event"

	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultDrain       = 10 * time.Second
)

// TransitionPayload describes a claim state change.
type TransitionPayload struct {
	Type       EventType `json:"type"`
	ChainID    uint64    `json:"chainId"`
	Loop       string    `json:"loop"`
	Subject    string    `json:"subject"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Period     uint64    `json:"period"`
	TxHash     string    `json:"txHash,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
	DeliveryID string    `json:"deliveryId"`
}

// SubmittedPayload describes a mined claimAndRegister.
type SubmittedPayload struct {
	Type         EventType `json:"type"`
	ChainID      uint64    `json:"chainId"`
	Loop         string    `json:"loop"`
	Subject      string    `json:"subject"`
	TargetPeriod uint64    `json:"targetPeriod"`
	TxHash       string    `json:"txHash"`
	SubmittedAt  time.Time `json:"submittedAt"`
	DeliveryID   string    `json:"deliveryId"`
}

// Dispatcher delivers events in order from a single worker, retrying with
// exponential backoff.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	logger      *slog.Logger
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	drain       time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	queue     chan delivery
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

type delivery struct {
	eventType EventType
	body      []byte
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// WithDrainTimeout bounds how long Close waits for queued deliveries.
func WithDrainTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.drain = timeout
		}
	}
}

// WithLogger overrides the logger used to report failed deliveries.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher constructs a dispatcher and spawns the worker goroutine.
func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		logger:      slog.Default(),
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		drain:       defaultDrain,
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan delivery, 32),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.wg.Add(1)
	go d.worker()
	return d, nil
}

// Close stops accepting events and waits for queued deliveries to finish.
// Deliveries still running after the drain timeout are aborted.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		timer := time.NewTimer(d.drain)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			d.logger.Warn("webhook drain timed out", slog.Int("queued", len(d.queue)))
			d.cancel()
			<-done
		}
		d.cancel()
	})
}

// EnqueueTransition sends a transition event asynchronously.
func (d *Dispatcher) EnqueueTransition(payload TransitionPayload) error {
	payload.Type = EventClaimTransition
	if payload.ObservedAt.IsZero() {
		payload.ObservedAt = time.Now().UTC()
	}
	if payload.DeliveryID == "" {
		payload.DeliveryID = uuid.NewString()
	}
	return d.enqueue(payload.Type, payload)
}

// EnqueueSubmitted sends a submission event asynchronously.
func (d *Dispatcher) EnqueueSubmitted(payload SubmittedPayload) error {
	payload.Type = EventClaimSubmitted
	if payload.SubmittedAt.IsZero() {
		payload.SubmittedAt = time.Now().UTC()
	}
	if payload.DeliveryID == "" {
		payload.DeliveryID = uuid.NewString()
	}
	return d.enqueue(payload.Type, payload)
}

func (d *Dispatcher) enqueue(eventType EventType, body interface{}) error {
	if d == nil {
		return errors.New("webhook: dispatcher not initialised")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	d.queue <- delivery{eventType: eventType, body: data}
	return nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		if d.ctx.Err() != nil {
			continue
		}
		d.process(job)
	}
}

func (d *Dispatcher) process(job delivery) {
	attempt := 0
	backoff := d.minBackoff
	for {
		attempt++
		ctx, cancel := context.WithTimeout(d.ctx, d.client.Timeout)
		err := d.send(ctx, job)
		cancel()
		if err == nil {
			return
		}
		if attempt >= d.maxAttempts {
			d.logger.Warn("webhook delivery abandoned",
				slog.String("event", string(job.eventType)),
				slog.Int("attempts", attempt),
				slog.Any("error", err),
			)
			return
		}
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			return
		}
		backoff = nextBackoff(backoff, d.maxBackoff)
	}
}

func (d *Dispatcher) send(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(job.eventType))
	req.Header.Set(SignatureHeader, Sign(d.secret, job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
}

// Sign returns the signature header value for body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max || next < current {
		return max
	}
	return next
}
