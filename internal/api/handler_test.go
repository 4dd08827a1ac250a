package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/simstudio/workflow-core/internal/ratelimit"
	"github.com/simstudio/workflow-core/pkg/provider"
)

// fakeProvider replies with a fixed set of chunks, ignoring the request.
type fakeProvider struct {
	chunks []*provider.CompletionChunk
}

func (p *fakeProvider) Name() string             { return "fake" }
func (p *fakeProvider) Models() []provider.Model { return nil }
func (p *fakeProvider) SupportsTools() bool       { return false }
func (p *fakeProvider) SupportsForcedTools() bool { return false }

func (p *fakeProvider) Complete(ctx context.Context, req *provider.ProviderRequest) (<-chan *provider.CompletionChunk, error) {
	out := make(chan *provider.CompletionChunk, len(p.chunks))
	for _, c := range p.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func newTestHandler(p provider.Provider) *Handler {
	return &Handler{
		Providers: map[string]provider.Provider{"fake": p},
		Limiter:   ratelimit.NewLimiter(ratelimit.NewMemoryStore()),
	}
}

func doRequest(t *testing.T, h *Handler, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/complete", bytes.NewReader(data))
	req.Header.Set("X-User-Id", "user-1")
	rec := httptest.NewRecorder()
	h.handleComplete(rec, req)
	return rec
}

func TestHandleComplete_NonStreaming(t *testing.T) {
	p := &fakeProvider{chunks: []*provider.CompletionChunk{
		{Text: "hello "}, {Text: "world", Done: true, OutputTokens: 2},
	}}
	h := newTestHandler(p)

	rec := doRequest(t, h, CompletionRequest{
		Provider: "fake",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp CompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Content != "hello world" {
		t.Errorf("Content = %q, want %q", resp.Content, "hello world")
	}
}

func TestHandleComplete_UnknownProvider(t *testing.T) {
	h := newTestHandler(&fakeProvider{})
	rec := doRequest(t, h, CompletionRequest{
		Provider: "nonexistent",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleComplete_MissingAuth(t *testing.T) {
	h := newTestHandler(&fakeProvider{})
	data, _ := json.Marshal(CompletionRequest{Provider: "fake", Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}}})
	req := httptest.NewRequest(http.MethodPost, "/v1/complete", bytes.NewReader(data))
	rec := httptest.NewRecorder()
	h.handleComplete(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandleComplete_EmptyMessagesRejected(t *testing.T) {
	h := newTestHandler(&fakeProvider{})
	rec := doRequest(t, h, CompletionRequest{Provider: "fake"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleComplete_RateLimited(t *testing.T) {
	h := newTestHandler(&fakeProvider{chunks: []*provider.CompletionChunk{{Text: "x", Done: true}}})
	h.Limiter = ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.WithPlanLimits(map[ratelimit.Plan]ratelimit.PlanLimits{
		"": {Sync: 0},
	}))

	rec := doRequest(t, h, CompletionRequest{
		Provider: "fake",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429, body=%s", rec.Code, rec.Body.String())
	}
}
