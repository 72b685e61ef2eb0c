// Package callback posts signed job results and heartbeats to external
// endpoints.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/msageha/switchboard/internal/model"
	"github.com/msageha/switchboard/internal/signing"
)

const HeaderDeliveryID = "X-Delivery-Id"

// RetryPolicy bounds redelivery. Attempt n (1-based retry) waits
// Backoff[n-1], or the last entry once the schedule runs out.
type RetryPolicy struct {
	MaxRetries int
	Backoff    []time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Backoff:    []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
	}
}

func (p RetryPolicy) delay(retry int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if retry > len(p.Backoff) {
		retry = len(p.Backoff)
	}
	return p.Backoff[retry-1]
}

// Payload is the callback body.
type Payload struct {
	Status       string          `json:"status"`
	SessionCode  string          `json:"session_code,omitempty"`
	TaskID       string          `json:"task_id,omitempty"`
	JobID        string          `json:"job_id,omitempty"`
	Messages     []model.Message `json:"messages,omitempty"`
	OutputData   any             `json:"output_data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Usage        map[string]any  `json:"usage,omitempty"`
	RetryCount   int             `json:"retry_count"`
}

// PayloadForJob builds the callback body for a job in a final state.
func PayloadForJob(job *model.Job) Payload {
	p := Payload{
		Status:      string(job.Status),
		SessionCode: job.SessionCode,
		TaskID:      job.ExternalTaskID,
		JobID:       job.ID,
		Messages:    job.Messages,
	}
	switch job.Status {
	case model.StatusCompleted:
		p.OutputData = map[string]any{"result": job.Result}
	default:
		p.ErrorMessage = job.Error
		if job.Result != "" {
			p.OutputData = map[string]any{"result": job.Result}
		}
	}
	if usage, ok := job.Metadata["usage"].(map[string]any); ok {
		p.Usage = usage
	}
	return p
}

// Heartbeat reports daemon liveness.
type Heartbeat struct {
	AgentID    string `json:"agent_id"`
	Status     string `json:"status"`
	QueueDepth int    `json:"queue_depth"`
	Active     int    `json:"active"`
	Timestamp  string `json:"timestamp"`
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("callback returned %d: %s", e.Code, e.Body)
}

type Options struct {
	Secret  string
	AgentID string
	Timeout time.Duration
	Policy  RetryPolicy
	Client  *http.Client
	Logger  zerolog.Logger
	Now     func() time.Time
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Client struct {
	http    *http.Client
	secret  string
	agentID string
	policy  RetryPolicy
	logger  zerolog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(opts Options) *Client {
	c := &Client{
		http:    opts.Client,
		secret:  opts.Secret,
		agentID: opts.AgentID,
		policy:  opts.Policy,
		logger:  opts.Logger,
		now:     opts.Now,
		sleep:   opts.Sleep,
	}
	if c.http == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if c.policy.Backoff == nil && c.policy.MaxRetries == 0 {
		c.policy = DefaultRetryPolicy()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Deliver posts p to url, retrying on network errors and non-2xx responses.
// Each retry carries an incremented retry_count and a fresh signature.
func (c *Client) Deliver(ctx context.Context, url string, p Payload) error {
	if url == "" {
		return errors.New("no callback url")
	}
	deliveryID := uuid.NewString()
	log := c.logger.With().Str("delivery_id", deliveryID).Str("url", url).Logger()

	var lastErr error
	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			d := c.policy.delay(attempt)
			log.Warn().Int("retry", attempt).Dur("backoff", d).Err(lastErr).Msg("callback_retry")
			if err := c.sleep(ctx, d); err != nil {
				return fmt.Errorf("callback cancelled during backoff: %w", err)
			}
		}
		p.RetryCount = attempt
		lastErr = c.post(ctx, url, deliveryID, p)
		if lastErr == nil {
			log.Info().Str("status", p.Status).Int("retry_count", attempt).Msg("callback_delivered")
			return nil
		}
	}
	log.Error().Err(lastErr).Int("attempts", c.policy.MaxRetries+1).Msg("callback_failed")
	return fmt.Errorf("deliver callback after %d attempts: %w", c.policy.MaxRetries+1, lastErr)
}

// SendHeartbeat posts hb once; a missed heartbeat is followed by the next.
func (c *Client) SendHeartbeat(ctx context.Context, url string, hb Heartbeat) error {
	if hb.AgentID == "" {
		hb.AgentID = c.agentID
	}
	if hb.Timestamp == "" {
		hb.Timestamp = model.FormatTime(c.now())
	}
	return c.post(ctx, url, uuid.NewString(), hb)
}

func (c *Client) post(ctx context.Context, url, deliveryID string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode callback: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDeliveryID, deliveryID)
	if c.secret != "" {
		h, err := signing.Sign(body, c.secret, c.agentID, c.now())
		if err != nil {
			return fmt.Errorf("sign callback: %w", err)
		}
		h.Apply(req.Header)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(snippet)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
