// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/sensorhub/ingest/errors"
	"github.com/sensorhub/ingest/internal/wallclock"
	"github.com/sensorhub/ingest/telemetry"
)

// Subject of every alert email.
const EmailSubject = "IoT device alert"

type (
	// EmailConfig configures the SMTP notifier.
	EmailConfig struct {
		Host     string
		Port     int
		Username string
		Password string
		From     string
		To       []string
	}

	// Email sends each alert as a plain-text email.
	Email struct {
		cfg  EmailConfig
		auth smtp.Auth

		// Indirection over smtp.SendMail for testing.
		send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	}
)

// NewEmail creates an SMTP notifier.
func NewEmail(cfg EmailConfig) (*Email, error) {
	switch {
	case cfg.Host == "":
		return nil, invalid("host", cfg.Host)
	case cfg.Port <= 0 || cfg.Port > 65535:
		return nil, invalid("port", cfg.Port)
	case cfg.From == "":
		return nil, invalid("from", cfg.From)
	case len(cfg.To) == 0:
		return nil, invalid("to", cfg.To)
	}

	e := &Email{cfg: cfg, send: smtp.SendMail}
	if cfg.Username != "" {
		e.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return e, nil
}

// Notify sends the alert. net/smtp is not context-aware, so the send runs in
// the background and is abandoned if the context expires first.
func (e *Email) Notify(ctx context.Context, ev *telemetry.AlertEvent) error {
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	msg := e.message(ev)

	done := make(chan error, 1)
	go func() {
		done <- e.send(addr, e.auth, e.cfg.From, e.cfg.To, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return &errors.Error{
				Message:     "cannot send alert email: " + err.Error(),
				Kind:        errors.NotifyFailure,
				NestedError: err,
			}
		}
		return nil
	case <-ctx.Done():
		return errors.Normalize(ctx.Err(), errors.NotifyFailure, "alert email")
	}
}

func (e *Email) message(ev *telemetry.AlertEvent) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", EmailSubject)
	fmt.Fprintf(&b, "Date: %s\r\n",
		wallclock.Instance.Now().Format("Mon, 02 Jan 2006 15:04:05 -0700"))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(ev.Message)
	b.WriteString("\r\n")
	return b.Bytes()
}

func invalid(name string, value any) error {
	return &errors.Error{
		Message:       "invalid email notifier configuration",
		Kind:          errors.ConfigurationInvalid,
		PropertyName:  name,
		PropertyValue: value,
	}
}
