package llm

import "context"

// Request is a completion request: one system instruction and the user turns
// to replay, the last of which is the current query.
type Request struct {
	Model     string
	System    string
	UserTurns []string
}

type EventKind int

const (
	EventToken EventKind = iota
	// EventStop is the terminal marker of a completed stream.
	EventStop
	EventError
)

type Event struct {
	Kind         EventKind
	Text         string
	FinishReason string
	Err          error
}

// Completer streams a completion. The returned channel has a single consumer,
// carries tokens in arrival order and is always closed by the producer. A
// stream that completes normally ends with exactly one EventStop; one that
// closes without it was aborted. Producers stop when ctx is done.
type Completer interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelName() string
}

type Provider interface {
	Completer
	Embedder
	Name() string
	Close() error
}

// send delivers ev unless ctx is done first.
func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
