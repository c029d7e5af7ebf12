package mock

import (
	"context"
	"sync"

	"github.com/hatcher/agentloop/llm"
)

// Backend is a test double implementing llm.Backend.
//
// Either set CompleteFn for full control, or load Script with canned
// replies consumed one per call. A script entry may be an error.
type Backend struct {
	NameValue  string
	CompleteFn func(ctx context.Context, req llm.Request) (*llm.Response, error)

	mu     sync.Mutex
	script []Reply
	calls  []llm.Request
}

type Reply struct {
	Content string
	Err     error
}

func Scripted(replies ...Reply) *Backend {
	return &Backend{script: replies}
}

func Text(content string) Reply { return Reply{Content: content} }
func Fail(err error) Reply      { return Reply{Err: err} }

func (b *Backend) Name() string {
	if b.NameValue != "" {
		return b.NameValue
	}
	return "mock"
}

func (b *Backend) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.calls = append(b.calls, req)
	b.mu.Unlock()

	if b.CompleteFn != nil {
		return b.CompleteFn(ctx, req)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.script) == 0 {
		return &llm.Response{Content: "mock"}, nil
	}
	next := b.script[0]
	b.script = b.script[1:]
	if next.Err != nil {
		return nil, next.Err
	}
	return &llm.Response{Content: next.Content}, nil
}

// Calls returns every request seen so far, in order.
func (b *Backend) Calls() []llm.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]llm.Request(nil), b.calls...)
}

// CallCount reports how many completions were served.
func (b *Backend) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}
