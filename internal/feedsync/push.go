package feedsync

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// PushHandler receives one raw delta payload from the push channel. Returning
// an error does not tear the connection down; malformed payloads are the
// engine's problem to drop and log.
type PushHandler func(payload []byte) error

type PushConsumerOptions struct {
	URL        string
	Token      string
	HTTPClient *http.Client
	Logger     Logger
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// PushConsumer maintains the persistent push channel: it dials the websocket
// endpoint, feeds every message to the handler, and reconnects with capped
// exponential backoff until its context is cancelled.
type PushConsumer struct {
	url        string
	token      string
	httpClient *http.Client
	handler    PushHandler
	logger     Logger
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewPushConsumer(handler PushHandler, opts PushConsumerOptions) (*PushConsumer, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	pushURL := strings.TrimSpace(opts.URL)
	if pushURL == "" {
		return nil, errors.New("push url is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &PushConsumer{
		url:        pushURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: opts.HTTPClient,
		handler:    handler,
		logger:     logger,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}, nil
}

// Run blocks until ctx is cancelled.
func (c *PushConsumer) Run(ctx context.Context) error {
	delay := c.baseDelay
	for {
		err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Printf("push channel dropped: %v; reconnecting in %s", err, delay)
		}
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return waitErr
		}
		delay *= 2
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
}

func (c *PushConsumer) consumeOnce(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if err := c.handler(payload); err != nil {
			c.logger.Printf("push payload not applied: %v", err)
		}
	}
}
