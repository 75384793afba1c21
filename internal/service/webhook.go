package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Retester/internal/model"
)

const (
	contentType      = "application/json"
	webhookTimeout   = 10 * time.Second
	webhookQueueSize = 64
)

var ErrWebhookClosed = errors.New("webhook closed")

// WebhookSubscriber posts pass/fail transition events to an HTTP endpoint.
// Other messages are ignored. Events are posted in order by a background
// goroutine.
type WebhookSubscriber struct {
	requestURL *url.URL
	client     *http.Client

	mx     sync.RWMutex
	closed bool
	queue  chan model.Message
	g      errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWebhookSubscriber starts posting events to serverURL. The subscriber
// must be closed.
func NewWebhookSubscriber(ctx context.Context, serverURL string) (*WebhookSubscriber, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" || parsedURL.Host == "" {
		return nil, errors.New("please define the webhook url with a http(s) scheme, e.g. `http://some-url.com/events`")
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &WebhookSubscriber{
		requestURL: parsedURL,
		client:     &http.Client{Timeout: webhookTimeout},
		queue:      make(chan model.Message, webhookQueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.g.Go(c.loop)
	return c, nil
}

// Publish enqueues transition events. It never blocks, an event is dropped
// if the queue is full.
func (c *WebhookSubscriber) Publish(ctx context.Context, msg model.Message) error {
	if !msg.Kind.IsTransition() {
		return nil
	}
	c.mx.RLock()
	defer c.mx.RUnlock()
	if c.closed {
		return ErrWebhookClosed
	}
	select {
	case c.queue <- msg:
	default:
		slog.WarnContext(ctx, "webhook queue is full: dropping", "message", msg)
	}
	return nil
}

// Close waits until the queued events are posted.
func (c *WebhookSubscriber) Close() error {
	c.mx.Lock()
	if c.closed {
		c.mx.Unlock()
		return ErrWebhookClosed
	}
	c.closed = true
	close(c.queue)
	c.mx.Unlock()

	err := c.g.Wait()
	c.cancel()
	return err
}

func (c *WebhookSubscriber) loop() error {
	for msg := range c.queue {
		if err := c.post(c.ctx, msg); err != nil {
			slog.ErrorContext(c.ctx, "webhook failed", "url", c.requestURL.String(), "error", err)
		}
	}
	return nil
}

func (c *WebhookSubscriber) post(ctx context.Context, msg model.Message) error {
	raw, err := msg.MarshalLine()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting %s event: %w", msg.Kind, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := c.checkResponse(resp); err != nil {
		return fmt.Errorf("posting %s event: %w", msg.Kind, err)
	}
	slog.DebugContext(ctx, "event posted", "url", c.requestURL.String(), "message", msg)
	return nil
}

func (c *WebhookSubscriber) checkResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return nil
	}

	// for now this is good enough, the detail of problem+json is all we need
	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if contentType == "application/problem+json" {
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		return fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	return fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}
