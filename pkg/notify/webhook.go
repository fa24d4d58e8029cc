package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// WebhookHook delivers events as HTTP requests. Content type selects
// the body encoding: JSON object or form-urlencoded fields.
type WebhookHook struct {
	targetFilter
	Link        string            `json:"link"`
	Method      string            `json:"method,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`

	client *resty.Client
}

func (h *WebhookHook) validate() error {
	u, err := url.Parse(h.Link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.Errorf("webhook link %q is not an http(s) url", h.Link)
	}
	switch strings.ToUpper(h.Method) {
	case "", "POST", "PUT", "PATCH":
	default:
		return errors.Errorf("unsupported webhook method %q", h.Method)
	}
	switch h.ContentType {
	case "", "application/json", "application/x-www-form-urlencoded":
	default:
		return errors.Errorf("unsupported webhook content type %q", h.ContentType)
	}
	return nil
}

func (h *WebhookHook) Name() string {
	return "webhook:" + hostOf(h.Link)
}

func (h *WebhookHook) Deliver(ctx context.Context, event string, payload map[string]any) error {
	if h.client == nil {
		h.client = resty.New()
	}
	body := map[string]any{"event": event}
	for k, v := range payload {
		body[k] = v
	}

	req := h.client.R().SetContext(ctx)
	for k, v := range h.Headers {
		req.SetHeader(k, v)
	}
	if h.ContentType == "application/x-www-form-urlencoded" {
		form := make(map[string]string, len(body))
		for k, v := range body {
			form[k] = fmt.Sprint(v)
		}
		req.SetFormData(form)
	} else {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	method := strings.ToUpper(h.Method)
	if method == "" {
		method = "POST"
	}
	resp, err := req.Execute(method, h.Link)
	if err != nil {
		return errors.Wrap(err, "error delivering webhook")
	}
	if resp.IsError() {
		return errors.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}
