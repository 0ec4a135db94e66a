package router_test

import (
	"context"
	"errors"
	"testing"

	"github.com/sibylhq/sibyl/internal/router"
)

type mockDriver struct {
	kind string
	fail bool
}

func (d *mockDriver) Kind() string { return d.kind }

func (d *mockDriver) Complete(ctx context.Context, req router.CompletionRequest) (*router.CompletionResponse, error) {
	if d.fail {
		return nil, errors.New("mock: provider unavailable")
	}
	return &router.CompletionResponse{Content: "mock response from " + d.kind}, nil
}

func TestModelRouter_Complete_UsesPrimaryDriver(t *testing.T) {
	mr := router.NewModelRouter([]router.ProviderDriver{&mockDriver{kind: "openai"}})

	resp, err := mr.Complete(context.Background(), router.CompletionRequest{
		Messages: []router.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "mock response from openai" {
		t.Errorf("Content = %q, want mock response from openai", resp.Content)
	}
}

func TestModelRouter_Complete_FallsBackOnError(t *testing.T) {
	mr := router.NewModelRouter([]router.ProviderDriver{
		&mockDriver{kind: "openai", fail: true},
		&mockDriver{kind: "anthropic"},
	})

	resp, err := mr.Complete(context.Background(), router.CompletionRequest{
		Messages: []router.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "mock response from anthropic" {
		t.Errorf("Content = %q, want fallback to anthropic", resp.Content)
	}
}

func TestModelRouter_Complete_AllProvidersFail(t *testing.T) {
	mr := router.NewModelRouter([]router.ProviderDriver{
		&mockDriver{kind: "openai", fail: true},
		&mockDriver{kind: "anthropic", fail: true},
	})

	if _, err := mr.Complete(context.Background(), router.CompletionRequest{
		Messages: []router.ChatMessage{{Role: "user", Content: "hi"}},
	}); err == nil {
		t.Fatal("Complete() error = nil, want error when all providers fail")
	}
}

func TestModelRouter_Hint_ReturnsShortPhrase(t *testing.T) {
	mr := router.NewModelRouter([]router.ProviderDriver{&mockDriver{kind: "openai"}})

	hint, err := mr.Hint(context.Background(), "agent_1", "read_file", map[string]interface{}{"path": "main.go"})
	if err != nil {
		t.Fatalf("Hint() error = %v", err)
	}
	if hint == "" {
		t.Error("Hint() returned empty string")
	}
}
