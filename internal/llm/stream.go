package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/chatstream/internal/domain"
	"github.com/comigor/chatstream/internal/logger"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
)

// StreamRequest is one completion request.
type StreamRequest struct {
	Model    string
	APIKey   string
	Messages []domain.Message
}

// Callbacks receive the outcome of a streamed completion. OnChunk fires once
// per non-empty delta, in stream order. Exactly one of OnFinish and OnError
// fires at the end, unless the request could not even be built.
type Callbacks struct {
	OnChunk  func(delta string)
	OnError  func(err error)
	OnFinish func()
}

func (cb Callbacks) chunk(delta string) {
	if cb.OnChunk != nil {
		cb.OnChunk(delta)
	}
}

// StreamCompletion posts the conversation and feeds the streamed reply to cb.
// Any failure is passed to OnError and then returned, so callers can handle it
// either way. No retries are attempted.
func (c *Client) StreamCompletion(ctx context.Context, req StreamRequest, cb Callbacks) error {
	err := c.stream(ctx, req, cb)
	if err != nil {
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return err
	}
	if cb.OnFinish != nil {
		cb.OnFinish()
	}
	return nil
}

func (c *Client) stream(ctx context.Context, sr StreamRequest, cb Callbacks) error {
	body, err := json.Marshal(openai.ChatCompletionRequest{
		Model:    sr.Model,
		Messages: ToAPIMessages(sr.Messages),
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req, sr.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &APIError{Status: resp.StatusCode}
		}
		return ErrNoStream
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(resp.Body)
		return &APIError{Status: resp.StatusCode, Body: string(text)}
	}

	return readStream(resp.Body, cb)
}

// readStream splits body into lines and emits the delta of every data line.
// Lines can arrive split across reads; a trailing line without a newline is
// still processed when the body ends.
func readStream(body io.Reader, cb Callbacks) error {
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			handleLine(line, cb)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
	}
}

func handleLine(line string, cb Callbacks) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	payload, ok := strings.CutPrefix(line, dataPrefix)
	if !ok {
		// comments (": keepalive") and other SSE fields carry no text
		return
	}
	payload = strings.TrimPrefix(payload, " ")
	if payload == doneSentinel {
		return
	}

	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		logger.L.Warn("skipping malformed stream line", "line", line, "error", err)
		return
	}
	if len(chunk.Choices) == 0 {
		return
	}
	if delta := chunk.Choices[0].Delta.Content; delta != "" {
		cb.chunk(delta)
	}
}
