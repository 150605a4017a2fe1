package client

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumizhao/sparkchat/internal/ai"
	"github.com/lumizhao/sparkchat/internal/chat"
)

// fakeBackend plays the server: AppendExchange mutates its copy of the
// conversation exactly the way the real service would.
type fakeBackend struct {
	mu        sync.Mutex
	conv      *chat.Conversation
	appends   int
	questions []*string
	answers   []string
	imgs      []*string
	failNext  error
}

func newFakeBackend(conv *chat.Conversation) *fakeBackend {
	return &fakeBackend{conv: cloneConversation(conv)}
}

func (b *fakeBackend) AppendExchange(ctx context.Context, id string, question *string, answer string, img *string) error {
	_ = ctx
	_ = id
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appends++
	b.questions = append(b.questions, question)
	b.answers = append(b.answers, answer)
	b.imgs = append(b.imgs, img)
	if b.failNext != nil {
		err := b.failNext
		b.failNext = nil
		return err
	}
	b.conv.History = append(b.conv.History, chat.BuildExchange(question, answer, img)...)
	return nil
}

func (b *fakeBackend) GetConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	_ = ctx
	_ = id
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneConversation(b.conv), nil
}

type scriptedStream struct {
	chunks []string
	err    error

	mu    sync.Mutex
	calls int
	last  []ai.Message
}

func (s *scriptedStream) StreamChat(ctx context.Context, messages []ai.Message) (<-chan string, <-chan error) {
	_ = ctx
	s.mu.Lock()
	s.calls++
	s.last = append([]ai.Message(nil), messages...)
	s.mu.Unlock()

	out := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(out)
		for _, c := range s.chunks {
			out <- c
		}
		if s.err != nil {
			errs <- s.err
		}
	}()
	return out, errs
}

func userMsg(text string) chat.Message {
	return chat.Message{Role: chat.RoleUser, Parts: []chat.Part{{Text: text}}}
}

func modelMsg(text string) chat.Message {
	return chat.Message{Role: chat.RoleModel, Parts: []chat.Part{{Text: text}}}
}

func seededRunner(conv *chat.Conversation, stream ai.StreamProvider) (*PromptRunner, *fakeBackend, *Cache) {
	backend := newFakeBackend(conv)
	cache := NewCache()
	cache.Put(conv.ID, conv)
	return NewPromptRunner(backend, stream, cache, conv.ID), backend, cache
}

func TestSubmit_StreamsAndCommitsExactlyOnce(t *testing.T) {
	conv := &chat.Conversation{
		ID:      "01CONV",
		Owner:   "owner-1",
		History: []chat.Message{userMsg("hi"), modelMsg("hey")},
	}
	stream := &scriptedStream{chunks: []string{"Hel", "lo"}}
	runner, backend, cache := seededRunner(conv, stream)

	var renders []string
	runner.OnUpdate = func(view *chat.Conversation, pendingQ, pendingA string) {
		renders = append(renders, pendingA)
	}

	require.NoError(t, runner.Submit(context.Background(), "greet me"))

	// exactly one commit, with the accumulated answer
	require.Equal(t, 1, backend.appends)
	require.NotNil(t, backend.questions[0])
	assert.Equal(t, "greet me", *backend.questions[0])
	assert.Equal(t, "Hello", backend.answers[0])

	// tokens rendered incrementally: "Hel", then "Hello"
	require.GreaterOrEqual(t, len(renders), 2)
	assert.Equal(t, "Hel", renders[0])
	assert.Equal(t, "Hello", renders[1])

	// the settled transcript ends with the model reply
	view := cache.Get(conv.ID)
	require.NotNil(t, view)
	require.Len(t, view.History, 4)
	last := view.History[len(view.History)-1]
	assert.Equal(t, chat.RoleModel, last.Role)
	assert.Equal(t, "Hello", last.Parts[0].Text)

	assert.Equal(t, StateIdle, runner.State())
}

func TestSubmit_EmptyPromptSilentlyIgnored(t *testing.T) {
	conv := &chat.Conversation{ID: "01CONV", History: []chat.Message{userMsg("hi"), modelMsg("hey")}}
	stream := &scriptedStream{chunks: []string{"x"}}
	runner, backend, _ := seededRunner(conv, stream)

	require.NoError(t, runner.Submit(context.Background(), ""))
	require.NoError(t, runner.Submit(context.Background(), "   "))

	assert.Equal(t, 0, stream.calls)
	assert.Equal(t, 0, backend.appends)
	assert.Equal(t, StateIdle, runner.State())
}

func TestSubmit_AppendFailureRollsBackBitIdentical(t *testing.T) {
	conv := &chat.Conversation{
		ID:      "01CONV",
		Owner:   "owner-1",
		History: []chat.Message{userMsg("hi"), modelMsg("hey")},
	}
	stream := &scriptedStream{chunks: []string{"par", "tial"}}
	runner, backend, cache := seededRunner(conv, stream)
	backend.failNext = errors.New("boom")

	var surfaced error
	runner.OnError = func(err error) { surfaced = err }

	before := cache.Get(conv.ID)

	err := runner.Submit(context.Background(), "question")
	require.Error(t, err)
	require.Error(t, surfaced)

	// the view after rollback is exactly the view before the optimistic
	// update
	after := cache.Get(conv.ID)
	require.True(t, reflect.DeepEqual(before, after),
		"rollback diverged:\nbefore: %#v\nafter:  %#v", before, after)

	// the failed append is not retried
	assert.Equal(t, 1, backend.appends)
	assert.Equal(t, StateIdle, runner.State())
}

func TestSubmit_EmptyStreamStillCommitsModelMessage(t *testing.T) {
	conv := &chat.Conversation{ID: "01CONV", History: []chat.Message{userMsg("hi"), modelMsg("hey")}}
	stream := &scriptedStream{} // zero tokens
	runner, backend, cache := seededRunner(conv, stream)

	require.NoError(t, runner.Submit(context.Background(), "anyone there"))

	require.Equal(t, 1, backend.appends)
	assert.Equal(t, "", backend.answers[0])

	view := cache.Get(conv.ID)
	last := view.History[len(view.History)-1]
	assert.Equal(t, chat.RoleModel, last.Role)
	assert.Equal(t, "", last.Parts[0].Text)
}

func TestSubmit_StreamErrorLeavesViewUntouched(t *testing.T) {
	conv := &chat.Conversation{ID: "01CONV", History: []chat.Message{userMsg("hi"), modelMsg("hey")}}
	stream := &scriptedStream{chunks: []string{"par"}, err: errors.New("stream cut")}
	runner, backend, cache := seededRunner(conv, stream)

	before := cache.Get(conv.ID)
	err := runner.Submit(context.Background(), "question")
	require.Error(t, err)

	// a failed stream never reaches the commit step
	assert.Equal(t, 0, backend.appends)
	assert.True(t, reflect.DeepEqual(before, cache.Get(conv.ID)))
	assert.Equal(t, StateIdle, runner.State())
}

func TestBootstrap_FiresExactlyOnceAcrossRerenders(t *testing.T) {
	conv := &chat.Conversation{
		ID:      "01CONV",
		Owner:   "owner-1",
		History: []chat.Message{userMsg("initial prompt")},
	}
	stream := &scriptedStream{chunks: []string{"re", "ply"}}
	runner, backend, cache := seededRunner(conv, stream)

	require.NoError(t, runner.Bootstrap(context.Background()))

	// re-renders of the same view
	require.NoError(t, runner.Bootstrap(context.Background()))
	require.NoError(t, runner.Bootstrap(context.Background()))

	require.Equal(t, 1, stream.calls)
	require.Equal(t, 1, backend.appends)

	// bootstrap commits no user message: the prompt is already the stored
	// first message
	assert.Nil(t, backend.questions[0])
	assert.Equal(t, "reply", backend.answers[0])

	view := cache.Get(conv.ID)
	require.Len(t, view.History, 2)
	assert.Equal(t, "reply", view.History[1].Parts[0].Text)
}

func TestBootstrap_SkippedWhenReplyExists(t *testing.T) {
	conv := &chat.Conversation{
		ID:      "01CONV",
		History: []chat.Message{userMsg("hi"), modelMsg("hey")},
	}
	stream := &scriptedStream{chunks: []string{"x"}}
	runner, backend, _ := seededRunner(conv, stream)

	require.NoError(t, runner.Bootstrap(context.Background()))
	assert.Equal(t, 0, stream.calls)
	assert.Equal(t, 0, backend.appends)
}

// blockingStream hands the test manual control over chunk delivery.
type blockingStream struct {
	out  chan string
	errs chan error
}

func (s *blockingStream) StreamChat(ctx context.Context, messages []ai.Message) (<-chan string, <-chan error) {
	_ = ctx
	_ = messages
	return s.out, s.errs
}

func TestSubmit_WhileStreamingReturnsBusy(t *testing.T) {
	conv := &chat.Conversation{ID: "01CONV", History: []chat.Message{userMsg("hi"), modelMsg("hey")}}
	stream := &blockingStream{out: make(chan string), errs: make(chan error, 1)}
	runner, backend, _ := seededRunner(conv, stream)

	rendered := make(chan struct{}, 8)
	runner.OnUpdate = func(view *chat.Conversation, pendingQ, pendingA string) {
		rendered <- struct{}{}
	}

	done := make(chan error, 1)
	go func() {
		done <- runner.Submit(context.Background(), "first")
	}()

	// wait until the first chunk is rendered, the stream is then in flight
	stream.out <- "chunk"
	select {
	case <-rendered:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never rendered")
	}

	require.ErrorIs(t, runner.Submit(context.Background(), "second"), ErrBusy)

	close(stream.out)
	close(stream.errs)
	require.NoError(t, <-done)

	// only the first attempt committed
	assert.Equal(t, 1, backend.appends)
}
