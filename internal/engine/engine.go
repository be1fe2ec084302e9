// Package engine is the transport adapter for the remote completion
// engine. It turns one HTTP streaming call into a sequence of semantic
// events (status updates and text tokens) and hides the engine's wire
// quirks from the rest of the system.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/strandhq/strand/internal/config"
	"github.com/strandhq/strand/internal/history"
	"github.com/strandhq/strand/internal/httpkit"
)

// Client talks to the remote completion engine on behalf of one
// configured credential.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an engine client. The underlying HTTP client has no
// global timeout — completions can be long-lived — and relies on ctx
// cancellation instead. Response headers still get a generous bound so
// a hung engine is detected before the first token.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		logger:  logger.With("component", "engine"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// Request describes one completion call against the engine.
type Request struct {
	// Query is the new user message text.
	Query string
	// History is the replayed turn-pair context.
	History []history.Turn
	// ThreadID correlates this call with prior turns at the engine.
	ThreadID string
	// AgentID selects the agent/model flow to run.
	AgentID string
	// PastTurns is the count of prior turns the engine should assume,
	// recomputed from History after any rebase.
	PastTurns int
}

// EventKind identifies the type of stream event.
type EventKind int

const (
	// KindStatus is an informational update ("thinking") emitted before
	// the first token. Zero or more per call.
	KindStatus EventKind = iota
	// KindToken is an incremental text fragment. One or more per call.
	KindToken
)

// Event is a single semantic event from the completion stream.
type Event struct {
	Kind EventKind
	Text string
}

// EventCallback receives stream events in arrival order.
type EventCallback func(Event)

// MintThread returns a fresh opaque thread handle. Handles are minted
// client-side; the engine adopts whatever identifier the first call in
// a thread carries.
func MintThread() string {
	return "th_" + uuid.NewString()
}

// wireTurn is the engine's turn representation.
type wireTurn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// predictionRequest is the engine's wire request format.
//
// History is a JSON string embedded in the JSON body: the engine
// double-decodes that field. The inner marshal happens in encodeHistory
// and nowhere else; callers work with []history.Turn.
type predictionRequest struct {
	Question       string `json:"question"`
	ThreadID       string `json:"threadId"`
	History        string `json:"history"`
	PastChatLength int    `json:"pastChatLength"`
}

// streamFrame is one parsed SSE data payload.
type streamFrame struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

func encodeHistory(turns []history.Turn) (string, error) {
	wire := make([]wireTurn, 0, len(turns))
	for _, t := range turns {
		wire = append(wire, wireTurn(t))
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("marshal history: %w", err)
	}
	return string(b), nil
}

// Stream runs one completion call, delivering events to cb as they
// arrive. It returns nil on a clean end of stream, ctx.Err() when the
// context is cancelled mid-stream, and a *TransportError for non-2xx
// responses, malformed framing, or connection failures. The sequence is
// restartable per call but not resumable mid-call.
func (c *Client) Stream(ctx context.Context, req Request, cb EventCallback) error {
	hist, err := encodeHistory(req.History)
	if err != nil {
		return err
	}

	body := predictionRequest{
		Question:       req.Query,
		ThreadID:       req.ThreadID,
		History:        hist,
		PastChatLength: req.PastTurns,
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("starting stream",
		"agent", req.AgentID,
		"thread", req.ThreadID,
		"past_turns", req.PastTurns,
		"history_turns", len(req.History),
	)
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	endpoint := fmt.Sprintf("%s/v1/agents/%s/stream", c.baseURL, url.PathEscape(req.AgentID))
	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Op: "stream", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("engine error", "status", resp.StatusCode, "body", errBody)
		return &TransportError{Op: "stream", Status: resp.StatusCode, Body: errBody}
	}

	return c.scanEvents(ctx, resp.Body, cb)
}

// scanEvents parses the SSE body line by line. Frames arrive as
// "data: {json}" lines; "[DONE]" or EOF ends the stream.
func (c *Client) scanEvents(ctx context.Context, body io.Reader, cb EventCallback) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	tokens := 0
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			break
		}

		var frame streamFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return &TransportError{Op: "stream", Err: fmt.Errorf("malformed frame %q: %w", data, err)}
		}

		switch frame.Event {
		case "status":
			if cb != nil {
				cb(Event{Kind: KindStatus, Text: frame.Data})
			}
		case "token":
			tokens++
			if cb != nil {
				cb(Event{Kind: KindToken, Text: frame.Data})
			}
		}
		// Unknown event types are forward-compatibility padding; skip.
	}

	if err := scanner.Err(); err != nil {
		// Cancellation surfaces as a body read error; report it as the
		// context's error so callers can tell a stop from a failure.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Op: "stream", Err: fmt.Errorf("read stream: %w", err)}
	}

	c.logger.Debug("stream complete", "tokens", tokens)
	return nil
}

// Complete runs the same call as Stream but concatenates all token
// events into one string, for non-interactive uses such as title
// synthesis. It mints an ephemeral thread handle for the call and
// returns it; the caller must tear it down with DeleteThread.
func (c *Client) Complete(ctx context.Context, req Request) (text, threadID string, err error) {
	req.ThreadID = MintThread()

	var sb strings.Builder
	err = c.Stream(ctx, req, func(e Event) {
		if e.Kind == KindToken {
			sb.WriteString(e.Text)
		}
	})
	if err != nil {
		return "", req.ThreadID, err
	}
	return sb.String(), req.ThreadID, nil
}

// DeleteThread tears down a remote thread. A thread that is already
// gone (404 or 410) counts as success, not a fault.
func (c *Client) DeleteThread(ctx context.Context, agentID, threadID string) error {
	endpoint := fmt.Sprintf("%s/v1/agents/%s/threads/%s",
		c.baseURL, url.PathEscape(agentID), url.PathEscape(threadID))

	httpReq, err := http.NewRequestWithContext(ctx, "DELETE", endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &TransportError{Op: "delete thread", Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		c.logger.Debug("thread already gone", "thread", threadID)
		return nil
	default:
		return &TransportError{
			Op:     "delete thread",
			Status: resp.StatusCode,
			Body:   httpkit.ReadErrorBody(resp.Body, 4096),
		}
	}
}
