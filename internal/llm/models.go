package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/comigor/chatstream/internal/domain"
)

type modelsResponse struct {
	Data []struct {
		ID            string  `json:"id"`
		Name          *string `json:"name"`
		ContextLength *int    `json:"context_length"`
	} `json:"data"`
}

// ListModels retrieves the provider's model catalog.
func (c *Client) ListModels(ctx context.Context, apiKey string) ([]domain.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	var payload modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}

	models := make([]domain.ModelInfo, 0, len(payload.Data))
	for _, m := range payload.Data {
		info := domain.ModelInfo{ID: m.ID, Name: m.ID, MaxTokens: domain.DefaultMaxTokens}
		if m.Name != nil {
			info.Name = *m.Name
		}
		if m.ContextLength != nil {
			info.MaxTokens = *m.ContextLength
		}
		models = append(models, info)
	}
	return models, nil
}
