package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"runline/internal/config"
	"runline/internal/domain"
	"runline/internal/logger"
	"runline/internal/queue"
	"runline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	webhookBatch           = 100
)

// WebhookDispatcher forwards audit events to configured hooks. Each hook
// keeps its own cursor across all projects, starting at the newest event
// when the dispatcher first polls it. Bodies are signed with the hook
// secret in the same token format as step callbacks.
type WebhookDispatcher struct {
	Repo     repo.Repo
	Interval time.Duration
	Logger   *slog.Logger

	targets []*hookTarget
}

type hookTarget struct {
	url    string
	events map[string]bool
	client *http.Client
	signer *queue.Signer

	mu     sync.Mutex
	cursor int64
	primed bool
}

// NewWebhookDispatcher returns nil when no hook is enabled.
func NewWebhookDispatcher(r repo.Repo, hooks []config.WebhookConfig, log *slog.Logger) *WebhookDispatcher {
	var targets []*hookTarget
	for _, h := range hooks {
		if t := newHookTarget(h); t != nil {
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		return nil
	}
	return &WebhookDispatcher{Repo: r, Interval: defaultWebhookInterval, Logger: logger.Or(log), targets: targets}
}

func newHookTarget(h config.WebhookConfig) *hookTarget {
	url := strings.TrimSpace(h.URL)
	if url == "" || (h.Enabled != nil && !*h.Enabled) {
		return nil
	}
	timeout := defaultWebhookTimeout
	if h.TimeoutSeconds > 0 {
		timeout = time.Duration(h.TimeoutSeconds) * time.Second
	}
	t := &hookTarget{url: url, client: &http.Client{Timeout: timeout}}
	for _, evt := range h.Events {
		if evt = strings.TrimSpace(evt); evt != "" {
			if t.events == nil {
				t.events = make(map[string]bool)
			}
			t.events[evt] = true
		}
	}
	if secret := strings.TrimSpace(h.Secret); secret != "" {
		s := queue.NewSigner(secret, "")
		t.signer = &s
	}
	return t
}

// wants reports whether the hook subscribes to evtType. No filter means all.
func (t *hookTarget) wants(evtType string) bool {
	return t.events == nil || t.events[evtType]
}

// Run polls until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if d == nil {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery pass over every hook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for _, t := range d.targets {
		d.deliver(ctx, t)
	}
}

func (d *WebhookDispatcher) deliver(ctx context.Context, t *hookTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.primed {
		latest, err := d.Repo.LatestEventID(ctx, "")
		if err != nil {
			d.Logger.Warn("webhook cursor init failed", "url", t.url, "err", err)
			return
		}
		t.cursor, t.primed = latest, true
	}
	batch, err := d.Repo.EventsAfter(ctx, webhookBatch, t.cursor, "")
	if err != nil {
		d.Logger.Warn("webhook fetch events failed", "url", t.url, "err", err)
		return
	}
	for _, evt := range batch {
		if t.wants(evt.Type) {
			if err := d.post(ctx, t, evt); err != nil {
				// the cursor stays put; the event is retried next pass
				d.Logger.Warn("webhook delivery failed", "url", t.url, "event_id", evt.ID, "err", err)
				return
			}
		}
		t.cursor = evt.ID
	}
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func webhookBody(evt domain.Event) ([]byte, error) {
	payload := json.RawMessage(`{}`)
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw, err := json.Marshal(map[string]string{"raw": evt.Payload})
			if err != nil {
				return nil, err
			}
			payload = raw
		}
	}
	return json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
}

func (d *WebhookDispatcher) post(ctx context.Context, t *hookTarget, evt domain.Event) error {
	body, err := webhookBody(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Runline-Event", evt.Type)
	req.Header.Set("X-Runline-Delivery", strconv.FormatInt(evt.ID, 10))
	if evt.ProjectID != "" {
		req.Header.Set("X-Runline-Project", evt.ProjectID)
	}
	if t.signer != nil {
		sig, err := t.signer.Sign(body)
		if err != nil {
			return err
		}
		req.Header.Set(queue.SignatureHeader, sig)
	}
	res, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
