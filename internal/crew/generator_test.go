package crew

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPGenerator_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "json_object", req.ResponseFormat["type"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "gpt-test",
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": `{"copy":"hi"}`}}},
			"usage":   map[string]int{"prompt_tokens": 12, "completion_tokens": 3},
		})
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL+"/v1/", "sk-test", "gpt-test", 5*time.Second)
	out, err := g.Generate(context.Background(), GenerateRequest{System: "sys", Prompt: "p", JSON: true})
	require.NoError(t, err)
	assert.Equal(t, `{"copy":"hi"}`, out.Text)
	assert.Equal(t, 15, out.Usage.Total())
}

func TestHTTPGenerator_Errors(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer down.Close()
	_, err := NewHTTPGenerator(down.URL, "", "m", time.Second).Generate(context.Background(), GenerateRequest{Prompt: "p"})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.ErrorContains(t, err, "overloaded")

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer empty.Close()
	_, err = NewHTTPGenerator(empty.URL, "", "m", time.Second).Generate(context.Background(), GenerateRequest{Prompt: "p"})
	assert.ErrorIs(t, err, ErrInvalidResponse)
}
