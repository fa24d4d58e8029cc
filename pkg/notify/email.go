package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// EmailHook delivers events over SMTP. Protocol selects the transport:
// "tls" dials an implicit-TLS port, "starttls" upgrades a plaintext
// connection, "plain" stays unencrypted (local relays only).
type EmailHook struct {
	targetFilter
	Protocol  string `json:"protocol,omitempty"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	User      string `json:"user,omitempty"`
	Pass      string `json:"pass,omitempty"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
}

func (h *EmailHook) validate() error {
	if h.Host == "" || h.Port <= 0 || h.Port > 65535 {
		return errors.Errorf("email hook needs a host and valid port, got %q:%d", h.Host, h.Port)
	}
	if h.Sender == "" || h.Recipient == "" {
		return errors.New("email hook needs sender and recipient")
	}
	switch h.Protocol {
	case "", "plain", "tls", "starttls":
	default:
		return errors.Errorf("unsupported email protocol %q", h.Protocol)
	}
	return nil
}

func (h *EmailHook) Name() string {
	return "email:" + h.Recipient
}

func (h *EmailHook) Deliver(ctx context.Context, event string, payload map[string]any) error {
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	msg := strings.Join([]string{
		"From: " + h.Sender,
		"To: " + h.Recipient,
		"Subject: moria-keeper " + event,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		fmt.Sprintf("event: %s\n\n%s\n", event, body),
	}, "\r\n")

	addr := net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
	c, err := h.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer c.Close()

	if h.Protocol == "starttls" {
		if err := c.StartTLS(&tls.Config{ServerName: h.Host}); err != nil {
			return errors.Wrap(err, "error starting tls")
		}
	}
	if h.User != "" {
		auth := smtp.PlainAuth("", h.User, h.Pass, h.Host)
		if err := c.Auth(auth); err != nil {
			return errors.Wrap(err, "error authenticating to smtp server")
		}
	}
	if err := c.Mail(h.Sender); err != nil {
		return errors.Wrap(err, "error setting smtp sender")
	}
	if err := c.Rcpt(h.Recipient); err != nil {
		return errors.Wrap(err, "error setting smtp recipient")
	}
	w, err := c.Data()
	if err != nil {
		return errors.Wrap(err, "error opening smtp data stream")
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		w.Close()
		return errors.Wrap(err, "error writing email body")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "error finishing email body")
	}
	return errors.Wrap(c.Quit(), "error closing smtp session")
}

func (h *EmailHook) dial(ctx context.Context, addr string) (*smtp.Client, error) {
	var d net.Dialer
	if h.Protocol == "tls" {
		conn, err := (&tls.Dialer{NetDialer: &d, Config: &tls.Config{ServerName: h.Host}}).
			DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, errors.Wrap(err, "error dialing smtp over tls")
		}
		c, err := smtp.NewClient(conn, h.Host)
		if err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "error starting smtp session")
		}
		return c, nil
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "error dialing smtp server")
	}
	c, err := smtp.NewClient(conn, h.Host)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "error starting smtp session")
	}
	return c, nil
}
