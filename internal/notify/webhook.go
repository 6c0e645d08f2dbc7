package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/orrn/continuousprint/internal/config"
	"github.com/orrn/continuousprint/internal/db"
)

type WebhookStore interface {
	ListActiveWebhooksForEvent(ctx context.Context, event string) ([]*db.Webhook, error)
}

// EventTest is only sent on request through SendTest.
const EventTest = "test"

type WebhookPayload struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Signature string    `json:"signature,omitempty"`
}

type webhookTask struct {
	webhook *db.Webhook
	payload *WebhookPayload
}

// clientError is a 4xx answer; the receiver rejected the payload and
// retrying will not help.
type clientError struct{ status int }

func (e *clientError) Error() string { return fmt.Sprintf("receiver returned status %d", e.status) }

type WebhookSender struct {
	store       WebhookStore
	httpClient  *http.Client
	retryCount  int
	retryDelay  time.Duration
	workerCount int
	log         log.FieldLogger

	queue  chan *webhookTask
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewWebhookSender(store WebhookStore, cfg config.WebhookConfig, logger log.FieldLogger) *WebhookSender {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	return &WebhookSender{
		store:       store,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		retryCount:  cfg.RetryCount,
		retryDelay:  cfg.RetryDelay,
		workerCount: cfg.WorkerCount,
		log:         logger,
		queue:       make(chan *webhookTask, cfg.QueueSize),
		stopCh:      make(chan struct{}),
	}
}

func (s *WebhookSender) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Stop waits for in-flight deliveries. Queued tasks that have not been
// picked up are dropped.
func (s *WebhookSender) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Enqueue schedules data for every enabled webhook subscribed to event.
// It never blocks; tasks are dropped when the queue is full.
func (s *WebhookSender) Enqueue(ctx context.Context, event string, data any) int {
	webhooks, err := s.store.ListActiveWebhooksForEvent(ctx, event)
	if err != nil {
		s.log.WithError(err).WithField("event", event).Error("failed to get webhooks for event")
		return 0
	}

	queued := 0
	for _, w := range webhooks {
		task := &webhookTask{
			webhook: w,
			payload: &WebhookPayload{
				ID:        uuid.NewString(),
				Event:     event,
				Timestamp: time.Now().UTC(),
				Data:      data,
			},
		}
		select {
		case s.queue <- task:
			queued++
		default:
			s.log.WithFields(log.Fields{"webhook": w.ID, "event": event}).Warn("webhook queue full, dropping delivery")
		}
	}
	return queued
}

func (s *WebhookSender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case task := <-s.queue:
			if err := s.sendWithRetry(task); err != nil {
				s.log.WithError(err).WithFields(log.Fields{
					"worker":  id,
					"webhook": task.webhook.ID,
					"event":   task.payload.Event,
				}).Error("failed to deliver webhook")
			}
		}
	}
}

func (s *WebhookSender) sendWithRetry(task *webhookTask) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := s.post(ctx, task.webhook, task.payload, nil)
		var ce *clientError
		if errors.As(err, &ce) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			s.log.WithError(err).WithFields(log.Fields{
				"webhook": task.webhook.ID,
				"attempt": attempt,
			}).Debug("webhook delivery failed")
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.retryCount)))
	return err
}

// SendTest delivers one test event to w right away, without retries.
func (s *WebhookSender) SendTest(ctx context.Context, w *db.Webhook) error {
	payload := &WebhookPayload{
		ID:        uuid.NewString(),
		Event:     EventTest,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"test":       true,
			"message":    "Test webhook from the print queue",
			"webhook_id": w.ID,
		},
	}
	return s.post(ctx, w, payload, http.Header{"X-Webhook-Test": {"true"}})
}

func (s *WebhookSender) post(ctx context.Context, webhook *db.Webhook, payload *WebhookPayload, extra http.Header) error {
	data, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	if webhook.Secret != "" {
		payload.Signature = Sign(data, webhook.Secret)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", payload.Event)
	req.Header.Set("X-Webhook-Delivery", payload.ID)
	if payload.Signature != "" {
		req.Header.Set("X-Webhook-Signature", payload.Signature)
	}
	for k, v := range extra {
		req.Header[k] = v
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("receiver returned status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return &clientError{status: resp.StatusCode}
	}
	return nil
}

// Sign is the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
