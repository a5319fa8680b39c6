package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comigor/chatstream/internal/config"
	"github.com/comigor/chatstream/internal/domain"
)

func TestListModels_Defaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/models", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"data":[
			{"id":"openai/gpt-4o","name":"GPT-4o","context_length":128000},
			{"id":"bare/model"}
		]}`)
	}))
	defer srv.Close()

	client := NewClient(config.LLMConfig{BaseURL: srv.URL + "/"})
	models, err := client.ListModels(context.Background(), "sk-test")

	require.NoError(t, err)
	require.Equal(t, []domain.ModelInfo{
		{ID: "openai/gpt-4o", Name: "GPT-4o", MaxTokens: 128000},
		{ID: "bare/model", Name: "bare/model", MaxTokens: 4096},
	}, models)
}

func TestListModels_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no auth", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(config.LLMConfig{BaseURL: srv.URL})
	models, err := client.ListModels(context.Background(), "bad")

	require.Nil(t, models)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
}
