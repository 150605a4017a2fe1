package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/lumizhao/sparkchat/internal/ai"
)

type fakeStreamProvider struct {
	chunks []string

	mu   sync.Mutex
	last []ai.Message
}

func (p *fakeStreamProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	_ = ctx
	p.mu.Lock()
	p.last = append([]ai.Message(nil), messages...)
	p.mu.Unlock()
	return strings.Join(p.chunks, ""), nil
}

func (p *fakeStreamProvider) StreamChat(ctx context.Context, messages []ai.Message) (<-chan string, <-chan error) {
	_ = ctx
	p.mu.Lock()
	p.last = append([]ai.Message(nil), messages...)
	p.mu.Unlock()

	out := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(out)
		for _, c := range p.chunks {
			out <- c
		}
	}()
	return out, errs
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(10000)", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Conversation{}, &Message{}, &IndexEntry{}, &Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, prov *fakeStreamProvider) (*Service, *Repo) {
	t.Helper()
	repo := NewRepo(openTestDB(t))
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		_ = model
		return prov, nil
	})
	return NewService(repo, reg, "fake", "default", 20), repo
}

func TestCreateConversation_ListsWithTruncatedTitle(t *testing.T) {
	svc, _ := newTestService(t, &fakeStreamProvider{})

	long := strings.Repeat("a", 39) + "bcdef"
	id, err := svc.CreateConversation(context.Background(), "owner-1", long)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if id == "" {
		t.Fatalf("expected non-empty id")
	}

	entries, err := svc.ListConversations(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ConversationID != id {
		t.Fatalf("entry points at %q, want %q", entries[0].ConversationID, id)
	}
	want := long[:40]
	if entries[0].Title != want {
		t.Fatalf("title = %q, want %q", entries[0].Title, want)
	}

	// short prompts keep the whole text
	id2, err := svc.CreateConversation(context.Background(), "owner-1", "hi there")
	if err != nil {
		t.Fatalf("create short: %v", err)
	}
	entries, err = svc.ListConversations(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	// append order: newest last
	if entries[1].ConversationID != id2 || entries[1].Title != "hi there" {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
}

func TestCreateConversation_EmptyTextRejected(t *testing.T) {
	svc, _ := newTestService(t, &fakeStreamProvider{})

	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := svc.CreateConversation(context.Background(), "owner-1", text); err != ErrValidation {
			t.Fatalf("text %q: err = %v, want ErrValidation", text, err)
		}
	}
}

func TestCreateConversation_SeedsSingleUserMessage(t *testing.T) {
	svc, _ := newTestService(t, &fakeStreamProvider{})

	id, err := svc.CreateConversation(context.Background(), "owner-1", "first prompt")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	conv, err := svc.GetConversation(context.Background(), id, "owner-1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(conv.History) != 1 {
		t.Fatalf("expected 1 message, got %d", len(conv.History))
	}
	msg := conv.History[0]
	if msg.Role != RoleUser || len(msg.Parts) != 1 || msg.Parts[0].Text != "first prompt" {
		t.Fatalf("unexpected initial message: %+v", msg)
	}
}

func TestGetConversation_OwnerMismatchIsNotFound(t *testing.T) {
	svc, _ := newTestService(t, &fakeStreamProvider{})

	id, err := svc.CreateConversation(context.Background(), "owner-1", "hello")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	if _, err := svc.GetConversation(context.Background(), id, "owner-1"); err != nil {
		t.Fatalf("true owner read failed: %v", err)
	}

	// wrong owner and absent id look exactly the same
	if _, err := svc.GetConversation(context.Background(), id, "owner-2"); err != ErrNotFound {
		t.Fatalf("wrong owner: err = %v, want ErrNotFound", err)
	}
	if _, err := svc.GetConversation(context.Background(), "01J00000000000000000000000", "owner-1"); err != ErrNotFound {
		t.Fatalf("absent id: err = %v, want ErrNotFound", err)
	}
}

func TestAppendExchange_GrowsHistoryAppendOnly(t *testing.T) {
	svc, _ := newTestService(t, &fakeStreamProvider{})

	id, err := svc.CreateConversation(context.Background(), "owner-1", "hello")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	question := "how are you"
	img := "chat-uploads/pic.png"
	if _, err := svc.AppendExchange(context.Background(), id, "owner-1", &question, "fine", &img); err != nil {
		t.Fatalf("append with question: %v", err)
	}

	conv, err := svc.GetConversation(context.Background(), id, "owner-1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(conv.History) != 3 {
		t.Fatalf("expected 3 messages after +2 append, got %d", len(conv.History))
	}
	if conv.History[0].Parts[0].Text != "hello" {
		t.Fatalf("existing history was disturbed: %+v", conv.History[0])
	}
	if conv.History[1].Role != RoleUser || conv.History[1].Parts[0].Text != question {
		t.Fatalf("unexpected user message: %+v", conv.History[1])
	}
	if conv.History[1].Img == nil || *conv.History[1].Img != img {
		t.Fatalf("image ref not attached to the user message: %+v", conv.History[1])
	}
	if conv.History[2].Role != RoleModel || conv.History[2].Parts[0].Text != "fine" {
		t.Fatalf("unexpected model message: %+v", conv.History[2])
	}

	// bootstrap-style append: no user message, empty answer is accepted
	if _, err := svc.AppendExchange(context.Background(), id, "owner-1", nil, "", nil); err != nil {
		t.Fatalf("append without question: %v", err)
	}
	conv, err = svc.GetConversation(context.Background(), id, "owner-1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(conv.History) != 4 {
		t.Fatalf("expected 4 messages after +1 append, got %d", len(conv.History))
	}
	last := conv.History[3]
	if last.Role != RoleModel || len(last.Parts) != 1 || last.Parts[0].Text != "" {
		t.Fatalf("empty model message not recorded: %+v", last)
	}
}

func TestAppendExchange_OwnerMismatchIsNotFound(t *testing.T) {
	svc, _ := newTestService(t, &fakeStreamProvider{})

	id, err := svc.CreateConversation(context.Background(), "owner-1", "hello")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	if _, err := svc.AppendExchange(context.Background(), id, "owner-2", nil, "reply", nil); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	// nothing was written
	conv, err := svc.GetConversation(context.Background(), id, "owner-1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(conv.History) != 1 {
		t.Fatalf("history changed on rejected append: %d messages", len(conv.History))
	}
}

func TestConcurrentCreate_NewOwnerKeepsBothEntries(t *testing.T) {
	svc, _ := newTestService(t, &fakeStreamProvider{})

	const owner = "fresh-owner"
	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreateConversation(context.Background(), owner, fmt.Sprintf("prompt %d", i))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	entries, err := svc.ListConversations(context.Background(), owner)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("lost update: expected 2 index entries, got %d", len(entries))
	}
	if entries[0].ConversationID == entries[1].ConversationID {
		t.Fatalf("both entries reference the same conversation")
	}
}

func TestListConversations_UnknownOwnerIsEmpty(t *testing.T) {
	svc, _ := newTestService(t, &fakeStreamProvider{})

	entries, err := svc.ListConversations(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if entries == nil || len(entries) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", entries)
	}
}

func TestWireHistory_FirstTextPartAndRoleMapping(t *testing.T) {
	img := "chat-uploads/pic.png"
	history := []Message{
		{Role: RoleUser, Parts: []Part{{Text: "question"}, {Text: "ignored extra"}}, Img: &img},
		{Role: RoleModel, Parts: []Part{{Text: "answer"}}},
		{Role: RoleUser, Parts: []Part{}}, // malformed turn is skipped
	}

	wire := WireHistory(history)
	if len(wire) != 2 {
		t.Fatalf("expected 2 wire messages, got %d", len(wire))
	}
	if wire[0].Role != "user" || wire[0].Content != "question" {
		t.Fatalf("unexpected first wire message: %+v", wire[0])
	}
	if wire[1].Role != "assistant" || wire[1].Content != "answer" {
		t.Fatalf("model role not mapped to assistant: %+v", wire[1])
	}
}

func TestStreamReply_AppendsFullExchange(t *testing.T) {
	prov := &fakeStreamProvider{chunks: []string{"Hel", "lo"}}
	svc, _ := newTestService(t, prov)

	id, err := svc.CreateConversation(context.Background(), "owner-1", "greet me")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	chunks, errs := svc.StreamReply(context.Background(), id, "owner-1", "please")

	var b strings.Builder
	for c := range chunks {
		b.WriteString(c)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream reply: %v", err)
	}
	if b.String() != "Hello" {
		t.Fatalf("streamed %q, want %q", b.String(), "Hello")
	}

	conv, err := svc.GetConversation(context.Background(), id, "owner-1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(conv.History) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(conv.History))
	}
	if conv.History[1].Role != RoleUser || conv.History[1].Parts[0].Text != "please" {
		t.Fatalf("user prompt not appended: %+v", conv.History[1])
	}
	if conv.History[2].Role != RoleModel || conv.History[2].Parts[0].Text != "Hello" {
		t.Fatalf("model reply not appended: %+v", conv.History[2])
	}

	// provider saw the stored history plus the new prompt
	prov.mu.Lock()
	defer prov.mu.Unlock()
	if len(prov.last) != 2 {
		t.Fatalf("provider got %d messages, want 2", len(prov.last))
	}
	if prov.last[0].Content != "greet me" || prov.last[1].Content != "please" {
		t.Fatalf("unexpected provider input: %+v", prov.last)
	}
}

func TestGetJob_UnknownIDIsNotFound(t *testing.T) {
	svc, repo := newTestService(t, &fakeStreamProvider{})

	if _, err := svc.GetJob(context.Background(), "01JUNKNOWNJOBID0000000000"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	// a stored job still comes back intact
	job := &Job{ID: "01JSTOREDJOBID00000000000", Owner: "owner-1", ConversationID: "c1", Prompt: "p", Status: JobQueued}
	if err := repo.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	got, err := svc.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Owner != "owner-1" || got.Status != JobQueued {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestTruncateTitle_RuneSafe(t *testing.T) {
	got := truncateTitle(strings.Repeat("é", 45), 40)
	if runes := []rune(got); len(runes) != 40 {
		t.Fatalf("expected 40 runes, got %d", len(runes))
	}
	if !strings.HasPrefix(strings.Repeat("é", 45), got) {
		t.Fatalf("truncation cut mid-character: %q", got)
	}
}
