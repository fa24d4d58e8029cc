// Package notify delivers keeper events over webhooks and email. Hooks
// come from the settings document as a tagged union; dispatch fires
// every matching hook and succeeds when at least one delivery lands.
package notify

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Event names used across the keeper.
const (
	EventError      = "error"
	EventWarning    = "warning"
	EventPassResult = "pass-result"
	EventMarginCall = "margin-call"
)

// Hook is one configured delivery target.
type Hook interface {
	// Name identifies the hook in logs and status output, never
	// exposing credentials.
	Name() string

	// Wants reports whether the hook subscribes to the event.
	Wants(event string) bool

	// Deliver sends one payload.
	Deliver(ctx context.Context, event string, payload map[string]any) error
}

// targetFilter implements the shared target_events behavior: an absent
// or empty list matches every event.
type targetFilter struct {
	TargetEvents []string `json:"target_events,omitempty"`
}

func (f targetFilter) Wants(event string) bool {
	if len(f.TargetEvents) == 0 {
		return true
	}
	for _, e := range f.TargetEvents {
		if strings.EqualFold(e, event) {
			return true
		}
	}
	return false
}

// ParseHooks decodes the settings document's notification_hooks list.
// Unknown hook types are an error: silently dropping a delivery target
// is worse than refusing to start.
func ParseHooks(raw []json.RawMessage) ([]Hook, error) {
	hooks := make([]Hook, 0, len(raw))
	for i, item := range raw {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(item, &head); err != nil {
			return nil, errors.Wrapf(err, "error decoding notification hook %d", i)
		}
		switch head.Type {
		case "webhook":
			var h WebhookHook
			if err := json.Unmarshal(item, &h); err != nil {
				return nil, errors.Wrapf(err, "error decoding webhook hook %d", i)
			}
			if err := h.validate(); err != nil {
				return nil, errors.Wrapf(err, "invalid webhook hook %d", i)
			}
			hooks = append(hooks, &h)
		case "email":
			var h EmailHook
			if err := json.Unmarshal(item, &h); err != nil {
				return nil, errors.Wrapf(err, "error decoding email hook %d", i)
			}
			if err := h.validate(); err != nil {
				return nil, errors.Wrapf(err, "invalid email hook %d", i)
			}
			hooks = append(hooks, &h)
		default:
			return nil, errors.Errorf("unknown notification hook type %q", head.Type)
		}
	}
	return hooks, nil
}

// Notifier fans events out to the configured hooks.
type Notifier struct {
	hooks  []Hook
	logger *zap.Logger
}

func NewNotifier(hooks []Hook, logger *zap.Logger) *Notifier {
	return &Notifier{hooks: hooks, logger: logger}
}

// HookNames lists configured hook identities for status output.
func (n *Notifier) HookNames() []string {
	names := make([]string, 0, len(n.hooks))
	for _, h := range n.hooks {
		names = append(names, h.Name())
	}
	return names
}

// Dispatch fires all hooks subscribed to the event. It succeeds when no
// hook matched or at least one delivery succeeded; only a full miss
// returns the aggregated per-hook errors.
func (n *Notifier) Dispatch(ctx context.Context, event string, payload map[string]any) error {
	var attempted, delivered int
	var errs error
	for _, h := range n.hooks {
		if !h.Wants(event) {
			continue
		}
		attempted++
		if err := h.Deliver(ctx, event, payload); err != nil {
			n.logger.Warn("notification delivery failed",
				zap.String("hook", h.Name()), zap.String("event", event), zap.Error(err))
			errs = multierr.Append(errs, errors.Wrapf(err, "hook %s", h.Name()))
			continue
		}
		delivered++
	}
	if attempted > 0 && delivered == 0 {
		return errors.Wrapf(errs, "all %d notification deliveries for %q failed", attempted, event)
	}
	return nil
}

func hostOf(link string) string {
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return "invalid-url"
	}
	return u.Host
}
