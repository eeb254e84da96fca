package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// apiClient talks to a running hookwatch server.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server responded %d: %s", e.Code, e.Body)
}

func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// Start asks the server to start listening and returns its confirmation.
func (c *apiClient) Start(ctx context.Context) (string, error) {
	data, err := c.do(ctx, http.MethodGet, "/start", nil)
	return string(data), err
}

func (c *apiClient) Stop(ctx context.Context) (string, error) {
	data, err := c.do(ctx, http.MethodGet, "/stop", nil)
	return string(data), err
}

func (c *apiClient) Status(ctx context.Context) (string, error) {
	data, err := c.do(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return "", err
	}
	var resp statusResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decode status: %w", err)
	}
	return resp.Status, nil
}

func (c *apiClient) Events(ctx context.Context) ([]Event, error) {
	data, err := c.do(ctx, http.MethodGet, "/events", nil)
	if err != nil {
		return nil, err
	}
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return events, nil
}

// Send posts payload to path. payload must be JSON; empty means {}.
func (c *apiClient) Send(ctx context.Context, path string, payload []byte) (string, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	data, err := c.do(ctx, http.MethodPost, path, bytes.NewReader(payload))
	return string(data), err
}

// Tail follows the SSE stream and calls fn for each notification until ctx
// is cancelled, the server closes the stream, or fn returns an error.
func (c *apiClient) Tail(ctx context.Context, fn func(Notification) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout: the stream is meant to stay open.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var n Notification
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*defaultMaxBodyBytes)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if n.Type != "" {
				if err := fn(n); err != nil {
					return err
				}
			}
			n = Notification{}
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event:"):
			n.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			n.Data = json.RawMessage(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// =============================================================================
// Commands
// =============================================================================

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start accepting webhooks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, err := newAPIClient(serverURL).Start(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), msg)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop accepting webhooks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, err := newAPIClient(serverURL).Stop(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), msg)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the server is listening",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := newAPIClient(serverURL).Status(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), status)
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print the recorded event history as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := newAPIClient(serverURL).Events(cmd.Context())
		if err != nil {
			return err
		}
		return printEvents(cmd.OutOrStdout(), events, isTerminal(cmd.OutOrStdout()))
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <path> [json]",
	Short: "POST a webhook payload to the server",
	Long:  "POST a webhook payload to the server. Without a json argument the payload is read from stdin.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload []byte
		if len(args) == 2 {
			payload = []byte(args[1])
		} else {
			var err error
			payload, err = io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
		}
		msg, err := newAPIClient(serverURL).Send(cmd.Context(), args[0], payload)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), msg)
		return nil
	},
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow live status changes and events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		return newAPIClient(serverURL).Tail(cmd.Context(), func(n Notification) error {
			_, err := fmt.Fprintf(out, "%s %s\n", n.Type, n.Data)
			return err
		})
	},
}

func init() {
	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, eventsCmd, sendCmd, tailCmd)
}

func printEvents(w io.Writer, events []Event, pretty bool) error {
	if events == nil {
		events = []Event{}
	}
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(events)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
