package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mtzanidakis/concierge/internal/config"
	"github.com/mtzanidakis/concierge/internal/planner"
	"github.com/mtzanidakis/concierge/internal/protocol"
)

// fakeCompletions serves a canned chat completion and records the last
// request body.
func fakeCompletions(t *testing.T, content string, status int) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var last atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		last.Store(string(body))
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"unavailable","type":"server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   "test-model",
			"choices": []any{map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &last
}

func newTestOpenAI(t *testing.T, url string) *OpenAI {
	t.Helper()
	o, err := NewOpenAI(config.LLMConfig{APIKey: "test", BaseURL: url, Model: "test-model", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	return o
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	if _, err := NewOpenAI(config.LLMConfig{Model: "m"}); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestOpenAIDecompose(t *testing.T) {
	plan := "```json\n" + `{"tasks":[{"id":"t1","role":"data","tool_calls":[{"tool":"get_ticket","params":{"id":42}}]}]}` + "\n```"
	srv, last := fakeCompletions(t, plan, http.StatusOK)
	o := newTestOpenAI(t, srv.URL)

	got, err := o.Decompose(context.Background(), DecomposeRequest{
		Text:         "what is the status of ticket 42",
		Capabilities: "role \"data\"\n  tool get_ticket(id integer)\n",
	})
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(got.Tasks) != 1 || got.Tasks[0].ToolCalls[0].Tool != "get_ticket" {
		t.Errorf("unexpected plan %+v", got)
	}

	body, _ := last.Load().(string)
	for _, want := range []string{"ticket 42", "get_ticket(id integer)", "test-model"} {
		if !strings.Contains(body, want) {
			t.Errorf("request body missing %q", want)
		}
	}
}

func TestOpenAIDecomposeMalformed(t *testing.T) {
	srv, _ := fakeCompletions(t, "Sorry, I can't do that.", http.StatusOK)
	o := newTestOpenAI(t, srv.URL)

	_, err := o.Decompose(context.Background(), DecomposeRequest{Text: "hi"})
	if !errors.Is(err, protocol.ErrPlanning) {
		t.Fatalf("expected planning error, got %v", err)
	}
}

func TestOpenAISynthesize(t *testing.T) {
	srv, last := fakeCompletions(t, "  Ticket 42 is open.  ", http.StatusOK)
	o := newTestOpenAI(t, srv.URL)

	text, err := o.Synthesize(context.Background(), protocol.FactSet{
		Request: "status of ticket 42",
		Facts:   []protocol.Fact{{TaskID: "t1", Source: "get_ticket", Data: map[string]any{"ticket_id": 42, "status": "open"}}},
		Missing: []protocol.MissingFact{{TaskID: "t2", Source: "get_customer", Reason: "timed out"}},
	})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if text != "Ticket 42 is open." {
		t.Errorf("text = %q", text)
	}
	body, _ := last.Load().(string)
	if !strings.Contains(body, "Could not be resolved") {
		t.Error("prompt does not mention unresolved facts")
	}
}

func TestOpenAIBackendFailure(t *testing.T) {
	srv, _ := fakeCompletions(t, "", http.StatusServiceUnavailable)
	o := newTestOpenAI(t, srv.URL)

	_, err := o.Synthesize(context.Background(), protocol.FactSet{Request: "x"})
	var perr *protocol.Error
	if !errors.As(err, &perr) || perr.Code != protocol.CodeBackendUnavailable || !perr.Retryable {
		t.Fatalf("expected retryable backend_unavailable, got %v", err)
	}
}

func TestDecomposePromptFeedback(t *testing.T) {
	_, user := decomposePrompts(DecomposeRequest{
		Text: "update my email",
		Feedback: &Failure{
			Task:    planner.PlannedTask{ID: "t1", Role: protocol.RoleData},
			Error:   protocol.Validation(protocol.CodeMissingParameter, "customer_id missing"),
			Attempt: 1,
		},
	})
	for _, want := range []string{"exactly one task", "validation", "customer_id missing", `"id":"t1"`} {
		if !strings.Contains(user, want) {
			t.Errorf("feedback prompt missing %q:\n%s", want, user)
		}
	}
}

func TestScripted(t *testing.T) {
	s := &Scripted{}
	if _, err := s.Decompose(context.Background(), DecomposeRequest{Text: "x"}); !errors.Is(err, protocol.ErrPlanning) {
		t.Errorf("expected planning error without a plan, got %v", err)
	}

	text, err := s.Synthesize(context.Background(), protocol.FactSet{
		Facts: []protocol.Fact{{Source: "get_ticket", Data: map[string]any{"status": "open"}}},
	})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if text != `get_ticket: {"status":"open"}` {
		t.Errorf("text = %q", text)
	}
	if len(s.DecomposeCalls()) != 1 || len(s.SynthesizeCalls()) != 1 {
		t.Error("calls not recorded")
	}
}
