package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"phylopack/internal/config"
	"phylopack/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// Dispatcher posts run events to configured webhooks.
type Dispatcher struct {
	Webhooks []config.Webhook
	Client   *http.Client
}

func New(hooks []config.Webhook) *Dispatcher {
	return &Dispatcher{Webhooks: hooks, Client: &http.Client{Timeout: defaultWebhookTimeout}}
}

// Enabled reports whether any webhook is configured.
func (d *Dispatcher) Enabled() bool {
	return d != nil && len(d.Webhooks) > 0
}

// Deliver posts each event to every webhook whose filter matches, in order.
// Delivery to one hook stops at its first failure; other hooks still receive
// their events. All failures are returned together.
func (d *Dispatcher) Deliver(ctx context.Context, run domain.Run, events []domain.Event) error {
	if !d.Enabled() {
		return nil
	}
	logger := klog.FromContext(ctx)
	var errs error
	for _, hook := range d.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		filter := newEventFilter(hook.Events)
		for _, evt := range events {
			if !filter.match(evt.Type) {
				continue
			}
			if err := d.postEvent(ctx, hook, run, evt); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("webhook %s: %w", hook.URL, err))
				break
			}
			logger.V(2).Info("Delivered webhook", "url", hook.URL, "event", evt.Type, "id", evt.ID)
		}
	}
	return errs
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	RunID      string          `json:"run_id"`
	State      string          `json:"state,omitempty"`
	Status     string          `json:"status"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *Dispatcher) postEvent(ctx context.Context, hook config.Webhook, run domain.Run, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		RunID:      evt.RunID,
		State:      evt.State,
		Status:     run.Status,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout, Transport: client.Transport}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Phylopack-Event", evt.Type)
	req.Header.Set("X-Phylopack-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Phylopack-Run", evt.RunID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Phylopack-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
