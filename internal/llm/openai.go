package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"agentd/internal/message"
)

// OpenAIProvider speaks the OpenAI-compatible chat completions wire format
// against any conforming endpoint. Only the streaming path is used.
type OpenAIProvider struct {
	baseURL        string
	apiKey         string
	model          string
	httpClient     *http.Client
	maxRetries     int
	requestTimeout time.Duration
}

func NewOpenAIProvider(baseURL, apiKey, model string, timeout time.Duration, maxRetries int) *OpenAIProvider {
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if maxRetries > 6 {
		maxRetries = 6
	}
	return &OpenAIProvider{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		model:   strings.TrimSpace(model),
		httpClient: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: timeout},
		},
		maxRetries:     maxRetries,
		requestTimeout: timeout,
	}
}

func (p *OpenAIProvider) StreamTurn(ctx context.Context, req Request) (Stream, error) {
	if p.baseURL == "" {
		return nil, errors.New("provider base URL is required")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.model
	}
	if model == "" {
		return nil, errors.New("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("messages cannot be empty")
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 1200
	}

	payload := map[string]any{
		"model":       model,
		"messages":    wireMessages(req.Messages),
		"temperature": req.Temperature,
		"top_p":       1,
		"max_tokens":  req.MaxTokens,
		"stream":      true,
	}
	if tools := wireTools(req.Tools); len(tools) > 0 {
		payload["tools"] = tools
	}
	rawBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	url := p.baseURL + "/chat/completions"
	for attempt := 0; ; attempt++ {
		reqCtx, cancel := context.WithCancel(ctx)
		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(rawBody))
		if err != nil {
			cancel()
			return nil, err
		}
		if p.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, reqErr := p.httpClient.Do(httpReq)
		if reqErr != nil {
			cancel()
			if p.shouldRetry(attempt, 0, reqErr) {
				if err := waitBackoff(ctx, attempt, 0, ""); err != nil {
					return nil, err
				}
				continue
			}
			return nil, fmt.Errorf("chat request failed: %w", reqErr)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
			retryAfter := strings.TrimSpace(resp.Header.Get("Retry-After"))
			_ = resp.Body.Close()
			cancel()
			if p.shouldRetry(attempt, resp.StatusCode, nil) {
				if err := waitBackoff(ctx, attempt, resp.StatusCode, retryAfter); err != nil {
					return nil, err
				}
				continue
			}
			return nil, fmt.Errorf("chat request HTTP %d: %s", resp.StatusCode, string(body))
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
		st := &sseStream{
			body:        resp.Body,
			scanner:     scanner,
			cancel:      cancel,
			idleTimeout: p.requestTimeout,
		}
		// A server that stops sending mid-stream must not hang the turn.
		st.idle = time.AfterFunc(p.requestTimeout, func() {
			st.stalled.Store(true)
			cancel()
		})
		return st, nil
	}
}

// sseStream incrementally decodes a chat completions event stream. Token
// deltas are surfaced as they arrive; tool-call fragments are accumulated
// per index and emitted when the server closes the turn.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	cancel      context.CancelFunc
	idle        *time.Timer
	idleTimeout time.Duration
	stalled     atomic.Bool

	calls    map[int]*partialCall
	order    []int
	finish   string
	queued   []Event
	finished bool
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func (s *sseStream) Recv() (Event, error) {
	for {
		if len(s.queued) > 0 {
			ev := s.queued[0]
			s.queued = s.queued[1:]
			return ev, nil
		}
		if s.finished {
			return Event{}, io.EOF
		}
		if !s.scanner.Scan() {
			if s.stalled.Load() {
				return Event{}, fmt.Errorf("provider stream stalled: no data within %s", s.idleTimeout)
			}
			if err := s.scanner.Err(); err != nil {
				return Event{}, fmt.Errorf("read stream response: %w", err)
			}
			s.flush()
			continue
		}
		s.idle.Reset(s.idleTimeout)
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			s.flush()
			continue
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content   string `json:"content"`
					ToolCalls []struct {
						Index    int    `json:"index"`
						ID       string `json:"id"`
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			s.finish = choice.FinishReason
		}
		for _, tc := range choice.Delta.ToolCalls {
			if s.calls == nil {
				s.calls = map[int]*partialCall{}
			}
			pc, ok := s.calls[tc.Index]
			if !ok {
				pc = &partialCall{}
				s.calls[tc.Index] = pc
				s.order = append(s.order, tc.Index)
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}
		if choice.Delta.Content != "" {
			return Event{Type: EventToken, Token: choice.Delta.Content}, nil
		}
	}
}

func (s *sseStream) flush() {
	if s.finished {
		return
	}
	s.finished = true
	s.idle.Stop()
	sort.Ints(s.order)
	for _, idx := range s.order {
		pc := s.calls[idx]
		args := strings.TrimSpace(pc.args.String())
		if args == "" {
			args = "{}"
		}
		s.queued = append(s.queued, Event{
			Type: EventToolCall,
			ToolCall: message.ToolCall{
				ID:   pc.id,
				Name: pc.name,
				Args: json.RawMessage(args),
			},
		})
	}
	s.queued = append(s.queued, Event{Type: EventDone, FinishReason: s.finish})
}

func (s *sseStream) Close() error {
	s.idle.Stop()
	s.cancel()
	return s.body.Close()
}

func wireMessages(msgs []message.Message) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		wm := map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(tc.Args),
					},
				})
			}
			wm["tool_calls"] = calls
		}
		if m.ToolCallID != "" {
			wm["tool_call_id"] = m.ToolCallID
		}
		out = append(out, wm)
	}
	return out
}

func wireTools(tools map[string]json.RawMessage) []map[string]any {
	if len(tools) == 0 {
		return nil
	}
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		schema := tools[name]
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":       name,
				"parameters": schema,
			},
		})
	}
	return out
}

func (p *OpenAIProvider) shouldRetry(attempt int, statusCode int, reqErr error) bool {
	if attempt >= p.maxRetries {
		return false
	}
	if reqErr != nil {
		if errors.Is(reqErr, context.DeadlineExceeded) || errors.Is(reqErr, context.Canceled) {
			return false
		}
		var ne net.Error
		if errors.As(reqErr, &ne) {
			return true
		}
		return true
	}
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return statusCode >= 500
	}
}

func waitBackoff(ctx context.Context, attempt int, statusCode int, retryAfter string) error {
	delay := parseRetryAfter(retryAfter)
	if delay <= 0 {
		switch statusCode {
		case http.StatusTooManyRequests:
			delay = time.Duration((attempt+1)*2) * time.Second
			if delay > 20*time.Second {
				delay = 20 * time.Second
			}
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			delay = time.Duration(attempt+1) * time.Second
			if delay > 10*time.Second {
				delay = 10 * time.Second
			}
		default:
			delay = time.Duration(attempt+1) * 300 * time.Millisecond
		}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if sec, err := time.ParseDuration(v + "s"); err == nil && sec > 0 {
		if sec > 2*time.Minute {
			return 2 * time.Minute
		}
		return sec
	}
	if ts, err := http.ParseTime(v); err == nil {
		d := time.Until(ts)
		if d <= 0 {
			return 0
		}
		if d > 2*time.Minute {
			return 2 * time.Minute
		}
		return d
	}
	return 0
}
