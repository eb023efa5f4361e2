// Package notify posts run progress to HTTP endpoints.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lherron/beehive/internal/events"
)

const (
	defaultTimeout     = 500 * time.Millisecond
	defaultConcurrency = 4
)

// Payload is the JSON body posted for each event.
type Payload struct {
	Source  string `json:"source"`
	Attempt string `json:"attempt,omitempty"`
	Phase   string `json:"phase,omitempty"`
	Entity  string `json:"entity,omitempty"`
	Event   string `json:"event"`
	Rows    int64  `json:"rows"`
	Total   int64  `json:"total,omitempty"`
	DryRun  bool   `json:"dry_run,omitempty"`
	Error   string `json:"error,omitempty"`
	Time    string `json:"time"`
}

// Notifier is an events.Observer that posts phase and run events. Step
// events are not sent.
type Notifier struct {
	urls        []string
	client      *http.Client
	concurrency int
	log         *zap.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(n *Notifier) { n.client.Timeout = d }
}

// WithLogger sets the logger delivery failures are reported to.
func WithLogger(log *zap.Logger) Option {
	return func(n *Notifier) { n.log = log }
}

// New returns a notifier for urls. Invalid and duplicate urls are dropped.
func New(urls []string, opts ...Option) *Notifier {
	n := &Notifier{
		client:      &http.Client{Timeout: defaultTimeout},
		concurrency: defaultConcurrency,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.urls = normalizeURLs(urls, n.log)
	return n
}

// URLs returns the endpoints events are posted to, before templating.
func (n *Notifier) URLs() []string {
	return n.urls
}

// Close releases idle connections.
func (n *Notifier) Close() {
	n.client.CloseIdleConnections()
}

// Observe implements events.Observer. It returns once every endpoint has
// answered or timed out.
func (n *Notifier) Observe(ctx context.Context, ev events.Event) {
	if len(n.urls) == 0 || ev.Kind == events.StepDone {
		return
	}
	payload := Payload{
		Source:  ev.Source,
		Attempt: ev.Attempt,
		Phase:   ev.Phase,
		Entity:  ev.Entity,
		Event:   string(ev.Kind),
		Rows:    ev.Rows,
		Total:   ev.Total,
		DryRun:  ev.DryRun,
		Error:   ev.Error,
		Time:    ev.Time.UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.log.Warn("failed to encode notification", zap.Error(err))
		return
	}

	targets := make([]string, 0, len(n.urls))
	for _, u := range n.urls {
		targets = append(targets, applyTemplate(u, payload))
	}
	n.dispatch(ctx, targets, body)
}

func (n *Notifier) dispatch(ctx context.Context, urls []string, body []byte) {
	workers := min(n.concurrency, len(urls))

	jobs := make(chan string)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for endpoint := range jobs {
				n.send(ctx, endpoint, body)
			}
		}()
	}

	for _, endpoint := range urls {
		jobs <- endpoint
	}
	close(jobs)
	wg.Wait()
}

func (n *Notifier) send(ctx context.Context, endpoint string, body []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		n.log.Warn("failed to build notification", zap.String("url", endpoint), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn("notification failed", zap.String("url", endpoint), zap.Error(err))
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.log.Warn("notification rejected", zap.String("url", endpoint), zap.Int("status", resp.StatusCode))
	}
}

func normalizeURLs(urls []string, log *zap.Logger) []string {
	seen := make(map[string]struct{}, len(urls))
	var normalized []string
	for _, raw := range urls {
		trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
		if trimmed == "" {
			continue
		}
		if !isValidURL(trimmed) {
			log.Warn("skipping invalid notification url", zap.String("url", trimmed))
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	return normalized
}

// applyTemplate fills {source} and {phase} placeholders.
func applyTemplate(raw string, p Payload) string {
	r := strings.NewReplacer("{source}", url.PathEscape(p.Source), "{phase}", url.PathEscape(p.Phase))
	return r.Replace(raw)
}

func isValidURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	return parsed.Host != ""
}
