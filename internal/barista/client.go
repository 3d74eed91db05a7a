// Package barista calls the conversational assistant service for remark
// text. The service is an opaque remote dependency: calls carry a timeout
// and bounded retries, and every failure path lands on a canned line, so
// Remark always returns something to say.
package barista

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/torontomonica-create/Coffee-break/internal/observability"
	"github.com/torontomonica-create/Coffee-break/internal/session"
)

const (
	DefaultTimeout = 3 * time.Second
	DefaultRetries = 2

	retryDelay = 150 * time.Millisecond
)

// fallbacks rotate when the assistant is unreachable or disabled.
var fallbacks = []string{
	"Fresh pot's on. Take five.",
	"Sip slowly, the inbox can wait.",
	"Best ideas brew away from the desk.",
	"Steam rising, shoulders dropping.",
	"Refill? You've earned it.",
}

type remarkRequest struct {
	Phase     string         `json:"phase"`
	Category  string         `json:"category,omitempty"`
	PeerCount int            `json:"peerCount"`
	Counters  map[string]int `json:"counters"`
}

type remarkResponse struct {
	Text string `json:"text"`
}

// Options configures a Client. An empty URL disables the remote call;
// Remark then serves canned lines only.
type Options struct {
	URL     string
	Timeout time.Duration
	Retries int
	Log     logrus.FieldLogger
}

type Client struct {
	url     string
	hc      *http.Client
	retries int
	log     logrus.FieldLogger

	mu   sync.Mutex
	next int
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = DefaultRetries
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Client{
		url:     opts.URL,
		hc:      &http.Client{Timeout: opts.Timeout},
		retries: opts.Retries,
		log:     opts.Log.WithField("component", "barista"),
	}
}

// Remark asks the assistant for a line about the current view. It never
// returns an error: after the retries are spent, a canned line is served
// and the failure is only logged and counted.
func (c *Client) Remark(ctx context.Context, v session.View) string {
	if c.url == "" {
		return c.fallback()
	}

	counters := make(map[string]int, len(v.Counters))
	for cat, n := range v.Counters {
		counters[string(cat)] = n
	}
	body, err := json.Marshal(remarkRequest{
		Phase:     v.Phase.String(),
		Category:  string(v.Category),
		PeerCount: v.PeerCount,
		Counters:  counters,
	})
	if err != nil {
		return c.failover(err)
	}

	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return c.failover(ctx.Err())
			case <-time.After(time.Duration(attempt) * retryDelay):
			}
		}
		text, err := c.post(ctx, body)
		if err == nil {
			return text
		}
		c.log.WithError(err).WithField("attempt", attempt+1).Debug("assistant call failed")
	}
	return c.failover(errors.New("retries exhausted"))
}

func (c *Client) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building assistant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("assistant returned %s", resp.Status)
	}
	var rr remarkResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return "", fmt.Errorf("decoding assistant reply: %w", err)
	}
	if strings.TrimSpace(rr.Text) == "" {
		return "", errors.New("assistant returned empty text")
	}
	return rr.Text, nil
}

func (c *Client) failover(err error) string {
	observability.RecordAssistantFallback()
	c.log.WithError(err).Debug("serving canned remark")
	return c.fallback()
}

func (c *Client) fallback() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	line := fallbacks[c.next%len(fallbacks)]
	c.next++
	return line
}
