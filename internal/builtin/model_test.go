package builtin

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/triage-ai/palisade/toolgate/internal/registry"
)

// stubCompleter answers from a script of errors, then with answer.
type stubCompleter struct {
	calls   atomic.Int32
	errs    []error
	answer  string
	block   chan struct{}
	entered chan struct{}
}

func (s *stubCompleter) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	n := int(s.calls.Add(1)) - 1
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	if n < len(s.errs) {
		return openai.ChatCompletionResponse{}, s.errs[n]
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: s.answer}}},
	}, nil
}

func newTestModelTool(client chatCompleter) *ModelTool {
	m := newModelTool(ModelConfig{RPS: 1000, Burst: 100}, client)
	m.baseBackoff = time.Millisecond
	return m
}

func TestModelTool_RetriesOn429(t *testing.T) {
	tooMany := &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Message: "slow down"}
	stub := &stubCompleter{errs: []error{tooMany, tooMany}, answer: "42"}
	m := newTestModelTool(stub)

	out, err := m.Execute(context.Background(), registry.Args{"prompt": "meaning?"})
	if err != nil {
		t.Fatal(err)
	}
	if got := out.(map[string]any)["answer"]; got != "42" {
		t.Fatalf("unexpected answer %v", got)
	}
	if stub.calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", stub.calls.Load())
	}
}

func TestModelTool_GivesUpAfterMaxRetries(t *testing.T) {
	tooMany := &openai.RequestError{HTTPStatusCode: http.StatusTooManyRequests, Err: errors.New("429")}
	stub := &stubCompleter{errs: []error{tooMany, tooMany, tooMany, tooMany, tooMany}}
	m := newTestModelTool(stub)

	if _, err := m.Execute(context.Background(), registry.Args{"prompt": "hi"}); err == nil {
		t.Fatal("expected error after retries")
	}
	if got := stub.calls.Load(); got != int32(defaultMaxRetries+1) {
		t.Fatalf("expected %d calls, got %d", defaultMaxRetries+1, got)
	}
}

func TestModelTool_OtherErrorsNotRetried(t *testing.T) {
	stub := &stubCompleter{errs: []error{&openai.APIError{HTTPStatusCode: http.StatusUnauthorized}}}
	m := newTestModelTool(stub)

	if _, err := m.Execute(context.Background(), registry.Args{"prompt": "hi"}); err == nil {
		t.Fatal("expected error")
	}
	if stub.calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", stub.calls.Load())
	}
}

func TestModelTool_PromptRequiredBySchema(t *testing.T) {
	tool, err := registry.WithSchema(newTestModelTool(&stubCompleter{}), askModelSchema)
	if err != nil {
		t.Fatal(err)
	}
	for _, args := range []registry.Args{{}, {"prompt": ""}, {"prompt": 7}} {
		if _, err := tool.Execute(context.Background(), args); !errors.Is(err, registry.ErrInvalidArguments) {
			t.Fatalf("args %v: expected ErrInvalidArguments, got %v", args, err)
		}
	}
}

func TestModelTool_SharedCallOutlivesFirstCallerDeadline(t *testing.T) {
	stub := &stubCompleter{answer: "ok", block: make(chan struct{}), entered: make(chan struct{}, 4)}
	m := newTestModelTool(stub)

	firstErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := m.Execute(ctx, registry.Args{"prompt": "same"})
		firstErr <- err
	}()
	<-stub.entered

	second := make(chan map[string]any, 1)
	go func() {
		out, err := m.Execute(context.Background(), registry.Args{"prompt": "same"})
		if err != nil {
			t.Error(err)
			second <- nil
			return
		}
		second <- out.(map[string]any)
	}()

	if err := <-firstErr; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected first caller to hit its deadline, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	close(stub.block)

	select {
	case got := <-second:
		if got["answer"] != "ok" {
			t.Fatalf("unexpected second result %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never returned")
	}
	if stub.calls.Load() != 1 {
		t.Fatalf("expected one upstream call, got %d", stub.calls.Load())
	}
}

func TestModelTool_IdenticalPromptsShareOneCall(t *testing.T) {
	stub := &stubCompleter{answer: "ok", block: make(chan struct{}), entered: make(chan struct{}, 4)}
	m := newTestModelTool(stub)

	var wg sync.WaitGroup
	results := make([]map[string]any, 2)
	run := func(i int) {
		defer wg.Done()
		out, err := m.Execute(context.Background(), registry.Args{"prompt": "same"})
		if err != nil {
			t.Error(err)
			return
		}
		results[i] = out.(map[string]any)
	}

	wg.Add(1)
	go run(0)
	<-stub.entered
	wg.Add(1)
	go run(1)
	time.Sleep(50 * time.Millisecond)
	close(stub.block)
	wg.Wait()

	if stub.calls.Load() != 1 {
		t.Fatalf("expected one upstream call, got %d", stub.calls.Load())
	}
	for i, r := range results {
		if r["answer"] != "ok" {
			t.Fatalf("result %d: unexpected %v", i, r)
		}
	}
}
