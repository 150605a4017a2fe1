package client

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/lumizhao/sparkchat/internal/ai"
	"github.com/lumizhao/sparkchat/internal/chat"
)

type State int

const (
	StateIdle State = iota
	StateStreaming
	StateSettled
)

// ErrBusy is returned when a prompt is submitted while a previous stream for
// the same view is still in flight.
var ErrBusy = errors.New("a stream is already in flight for this conversation")

// backend is the slice of the chat API the runner needs. *API satisfies it.
type backend interface {
	AppendExchange(ctx context.Context, id string, question *string, answer string, img *string) error
	GetConversation(ctx context.Context, id string) (*chat.Conversation, error)
}

// PromptRunner drives one open conversation view. It turns a submitted
// prompt into a streamed, incrementally rendered reply and commits the
// finished exchange to the backend exactly once per attempt:
//
//	Idle -> Streaming (tokens render optimistically)
//	     -> Settled   (optimistic merge, single AppendExchange)
//	     -> Idle      (refresh on success, rollback on failure)
type PromptRunner struct {
	api    backend
	stream ai.StreamProvider
	cache  *Cache
	id     string

	mu           sync.Mutex
	state        State
	bootstrapped bool
	img          *string

	// OnUpdate fires after every rendered change: each streamed chunk, the
	// optimistic merge and the post-commit refresh. pendingQuestion and
	// pendingAnswer are non-empty only while an attempt is rendering ahead
	// of the cached view.
	OnUpdate func(view *chat.Conversation, pendingQuestion, pendingAnswer string)

	// OnError surfaces stream and append failures; there is no automatic
	// retry.
	OnError func(err error)
}

func NewPromptRunner(api backend, stream ai.StreamProvider, cache *Cache, conversationID string) *PromptRunner {
	return &PromptRunner{
		api:    api,
		stream: stream,
		cache:  cache,
		id:     conversationID,
	}
}

func (r *PromptRunner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// AttachImage stages an uploaded file reference for the next submitted
// prompt. It is attached to the user message of that exchange and cleared
// once the exchange settles.
func (r *PromptRunner) AttachImage(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.img = &ref
}

// Submit runs one prompt attempt. Empty submissions are silently ignored;
// submissions while a stream is in flight fail with ErrBusy.
func (r *PromptRunner) Submit(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return r.run(ctx, text, false)
}

// Bootstrap auto-sends the stored initial prompt when the view opens on a
// conversation holding exactly one message (the just-created user prompt
// with no reply yet). It triggers at most once per runner, so re-renders of
// the same view cannot re-fire it.
func (r *PromptRunner) Bootstrap(ctx context.Context) error {
	r.mu.Lock()
	if r.bootstrapped {
		r.mu.Unlock()
		return nil
	}
	view := r.cache.Get(r.id)
	if view == nil || len(view.History) != 1 || len(view.History[0].Parts) == 0 {
		r.mu.Unlock()
		return nil
	}
	r.bootstrapped = true
	prompt := view.History[0].Parts[0].Text
	r.mu.Unlock()

	return r.run(ctx, prompt, true)
}

func (r *PromptRunner) run(ctx context.Context, text string, isInitial bool) error {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return ErrBusy
	}
	r.state = StateStreaming
	img := r.img
	r.mu.Unlock()

	// The prompt is rendered locally before any server acknowledgement. For
	// a bootstrap attempt the prompt is already part of the stored history,
	// so it is not rendered (or committed) a second time.
	var pendingQ string
	if !isInitial {
		pendingQ = text
	}

	view := r.cache.Get(r.id)
	wire := append(chat.WireHistory(historyOf(view)), ai.Message{Role: "user", Content: text})

	chunks, errs := r.stream.StreamChat(ctx, wire)

	// Chunks arrive strictly in order on a single channel; each one is fully
	// applied to the buffer before the next is read, so no lock guards the
	// builder.
	var b strings.Builder
	for chunk := range chunks {
		b.WriteString(chunk)
		r.notify(view, pendingQ, b.String())
	}
	if err, open := <-errs; open && err != nil {
		r.setState(StateIdle)
		r.reportError(err)
		return err
	}

	return r.settle(ctx, text, b.String(), img, isInitial)
}

// settle commits the accumulated answer exactly once. The cached view is
// optimistically merged with the same content the server will append, and
// rolled back verbatim if the append fails. A zero-token stream still
// commits an empty model message.
func (r *PromptRunner) settle(ctx context.Context, text, answer string, img *string, isInitial bool) error {
	r.setState(StateSettled)

	var question *string
	if !isInitial {
		question = &text
	}

	snap := r.cache.Snapshot(r.id)
	r.cache.Append(r.id, chat.BuildExchange(question, answer, img)...)
	r.notify(r.cache.Get(r.id), "", "")

	if err := r.api.AppendExchange(ctx, r.id, question, answer, img); err != nil {
		r.cache.Restore(r.id, snap)
		r.setState(StateIdle)
		r.reportError(err)
		r.notify(r.cache.Get(r.id), "", "")
		return err
	}

	// refresh from the server so any divergence self-heals
	if fresh, err := r.api.GetConversation(ctx, r.id); err == nil {
		r.cache.Put(r.id, fresh)
	}

	r.mu.Lock()
	r.img = nil
	r.state = StateIdle
	r.mu.Unlock()
	r.notify(r.cache.Get(r.id), "", "")
	return nil
}

func (r *PromptRunner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *PromptRunner) notify(view *chat.Conversation, pendingQ, pendingA string) {
	if r.OnUpdate != nil {
		r.OnUpdate(view, pendingQ, pendingA)
	}
}

func (r *PromptRunner) reportError(err error) {
	if r.OnError != nil {
		r.OnError(err)
	}
}

func historyOf(view *chat.Conversation) []chat.Message {
	if view == nil {
		return nil
	}
	return view.History
}
