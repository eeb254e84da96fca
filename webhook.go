package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// maxInflightForwards bounds concurrent POSTs to the log webhook. Records
// beyond it are dropped rather than queued.
const maxInflightForwards = 8

// logForwarder wraps another slog.Handler and POSTs records at or above
// minLevel to a webhook URL (an alerting endpoint, a chat hook, another
// hookwatch instance).
//
// This implements the slog.Handler interface:
//   - Enabled():   delegate to the underlying handler
//   - Handle():    write locally, then forward asynchronously
//   - WithAttrs(): remember attrs so forwarded entries carry them
//   - WithGroup(): delegate; forwarded entries stay flat
type logForwarder struct {
	underlying slog.Handler
	url        string
	token      string
	minLevel   slog.Level
	attrs      []slog.Attr
	client     *http.Client
	inflight   chan struct{}
	errOut     io.Writer
}

// newLogForwarder returns a handler that writes to underlying and forwards
// records at or above minLevel to url. An empty url disables forwarding.
func newLogForwarder(underlying slog.Handler, url, token string, minLevel slog.Level) *logForwarder {
	return &logForwarder{
		underlying: underlying,
		url:        url,
		token:      token,
		minLevel:   minLevel,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		inflight: make(chan struct{}, maxInflightForwards),
		errOut:   os.Stderr,
	}
}

func (f *logForwarder) Enabled(ctx context.Context, level slog.Level) bool {
	return f.underlying.Enabled(ctx, level)
}

// Handle writes the record locally and, if it qualifies, forwards it in the
// background. The request context is not used for the POST so logs still
// ship after the request that produced them has finished.
func (f *logForwarder) Handle(ctx context.Context, record slog.Record) error {
	if err := f.underlying.Handle(ctx, record); err != nil {
		return err
	}

	if f.url == "" || record.Level < f.minLevel {
		return nil
	}

	select {
	case f.inflight <- struct{}{}:
	default:
		fmt.Fprintln(f.errOut, "log forwarder: too many in-flight posts, dropping record")
		return nil
	}

	entry := f.buildEntry(record)
	go func() {
		defer func() { <-f.inflight }()
		f.post(entry)
	}()
	return nil
}

func (f *logForwarder) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *f
	clone.underlying = f.underlying.WithAttrs(attrs)
	clone.attrs = append(append([]slog.Attr{}, f.attrs...), attrs...)
	return &clone
}

func (f *logForwarder) WithGroup(name string) slog.Handler {
	clone := *f
	clone.underlying = f.underlying.WithGroup(name)
	return &clone
}

func (f *logForwarder) buildEntry(record slog.Record) map[string]any {
	entry := map[string]any{
		"time":  record.Time.Format(time.RFC3339),
		"level": record.Level.String(),
		"msg":   record.Message,
	}
	for _, attr := range f.attrs {
		entry[attr.Key] = attr.Value.Any()
	}
	record.Attrs(func(attr slog.Attr) bool {
		v := attr.Value.Any()
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry[attr.Key] = v
		return true
	})
	return entry
}

// post sends one entry. Failures go to errOut: logging them through slog
// would forward them again.
func (f *logForwarder) post(entry map[string]any) {
	body, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintln(f.errOut, "log forwarder: failed to marshal entry:", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		fmt.Fprintln(f.errOut, "log forwarder: failed to create request:", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		fmt.Fprintln(f.errOut, "log forwarder: failed to send:", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fmt.Fprintln(f.errOut, "log forwarder: unexpected status:", resp.StatusCode)
	}
}

// newLogger builds the process logger: JSON to out, optionally forwarding to
// the configured log webhook.
func newLogger(cfg *Config, out io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	var handler slog.Handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})

	if cfg.LogWebhookURL != "" {
		minLevel, err := parseLevel(cfg.LogWebhookLevel)
		if err != nil {
			return nil, err
		}
		handler = newLogForwarder(handler, cfg.LogWebhookURL, cfg.LogWebhookToken, minLevel)
	}
	return slog.New(handler), nil
}
