package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chimera/internal/llm"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/", Timeout: time.Second})
	require.NoError(t, err)
	client.httpClient = srv.Client()
	return client
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)

	client, err := NewClient(Config{APIKey: "k", Model: "gen"})
	require.NoError(t, err)
	assert.Equal(t, "gen", client.auditModel)
	assert.Equal(t, defaultBaseURL, client.baseURL)
}

func TestGenerateStreamsChunks(t *testing.T) {
	var captured map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"pragma ", "solidity", " ^0.8.0;"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var chunks []string
	for chunk, err := range client.Generate(context.Background(), "token") {
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	assert.Equal(t, []string{"pragma ", "solidity", " ^0.8.0;"}, chunks)
	assert.Equal(t, true, captured["stream"])
	assert.Equal(t, defaultModelName, captured["model"])
}

func TestGenerateStopsWhenConsumerBreaks(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 10; i++ {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"%d\"}}]}\n\n", i)
		}
	})

	var seen int
	for range client.Generate(context.Background(), "p") {
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

func TestGenerateHTTPError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	out, err := llm.Collect(client.Generate(context.Background(), "p"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Empty(t, out)
}

func TestAuditParsesStructuredScore(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		messages := body["messages"].([]any)
		user := messages[1].(map[string]any)["content"].(string)
		assert.True(t, strings.HasSuffix(user, "contract A {}"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{"content": "```json\n{\"score\": 72, \"report\": \"High: reentrancy\\nScore: 72/100\"}\n```"},
			}},
		})
	})

	report, err := client.Audit(context.Background(), "contract A {}")
	require.NoError(t, err)
	require.NotNil(t, report.Score)
	assert.InDelta(t, 72, *report.Score, 0.001)
	assert.Contains(t, report.Text, "reentrancy")
}

func TestAuditFallsBackToRawText(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "Medium: missing events"}}},
		})
	})

	report, err := client.Audit(context.Background(), "contract A {}")
	require.NoError(t, err)
	assert.Nil(t, report.Score)
	assert.Equal(t, "Medium: missing events", report.Text)
}

func TestAuditEmptyChoices(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})
	_, err := client.Audit(context.Background(), "x")
	assert.Error(t, err)
}
