package audit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/flywheelhq/flywheel/pkg/models"
	"github.com/rs/zerolog/log"
)

// webhookAttempts is how many deliveries are tried per record.
const webhookAttempts = 3

// WebhookSink POSTs each audit record as JSON to an external URL, with an
// optional HMAC-SHA256 signature header when a secret is configured.
// Deliveries run in their own goroutines; failures are logged and dropped.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
	wg     sync.WaitGroup
}

// NewWebhookSink creates a webhook sink for the given URL. secret may be
// empty to skip signing.
func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *WebhookSink) Record(_ context.Context, rec *models.AuditRecord) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.deliver(rec); err != nil {
			log.Warn().Err(err).Str("episode", rec.EpisodeKey).Msg("audit webhook delivery failed")
		}
	}()
}

// Close waits for in-flight deliveries.
func (s *WebhookSink) Close() {
	s.wg.Wait()
}

func (s *WebhookSink) deliver(rec *models.AuditRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < webhookAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt*2) * time.Second)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			cancel()
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Flywheel-Focus", string(rec.FocusArea))
		if s.secret != "" {
			mac := hmac.New(sha256.New, []byte(s.secret))
			mac.Write(body)
			req.Header.Set("X-Flywheel-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := s.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, s.url)
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", webhookAttempts, lastErr)
}

var _ Sink = (*WebhookSink)(nil)
