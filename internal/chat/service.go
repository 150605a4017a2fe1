package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/lumizhao/sparkchat/internal/ai"
	"github.com/lumizhao/sparkchat/internal/common"
)

// maxTitleLen bounds the listing title derived from the first prompt.
const maxTitleLen = 40

type Service struct {
	repo              *Repo
	registry          *ai.Registry
	providerName      string
	modelName         string
	contextWindowSize int
}

func NewService(repo *Repo, registry *ai.Registry, providerName, modelName string, contextWindowSize int) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	return &Service{
		repo:              repo,
		registry:          registry,
		providerName:      providerName,
		modelName:         modelName,
		contextWindowSize: contextWindowSize,
	}
}

// CreateConversation persists a new conversation seeded with the user's first
// prompt and registers it in the owner's index. If the index write fails the
// conversation already exists but is not discoverable via listings; that
// partial state is surfaced as a storage error and not rolled back, so
// callers must not blindly retry.
func (s *Service) CreateConversation(ctx context.Context, owner, initialText string) (string, error) {
	if strings.TrimSpace(initialText) == "" {
		return "", ErrValidation
	}

	id, err := common.NewULID()
	if err != nil {
		return "", err
	}

	conv := &Conversation{ID: id, Owner: owner}
	initial := &Message{
		Role:  RoleUser,
		Parts: []Part{{Text: initialText}},
	}
	if err := s.repo.CreateConversation(ctx, conv, initial); err != nil {
		return "", storageErr("create conversation", err)
	}

	entry := &IndexEntry{
		Owner:          owner,
		ConversationID: id,
		Title:          truncateTitle(initialText, maxTitleLen),
	}
	if err := s.repo.AppendIndexEntry(ctx, entry); err != nil {
		return "", storageErr("append index entry", err)
	}
	return id, nil
}

// ListConversations never fails for an unknown owner; it returns an empty
// slice instead.
func (s *Service) ListConversations(ctx context.Context, owner string) ([]IndexEntry, error) {
	entries, err := s.repo.ListIndexEntries(ctx, owner)
	if err != nil {
		return nil, storageErr("list index entries", err)
	}
	return entries, nil
}

func (s *Service) GetConversation(ctx context.Context, id, owner string) (*Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, id, owner)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get conversation", err)
	}
	return conv, nil
}

// BuildExchange assembles the messages a completed prompt attempt appends: an
// optional user message (imageRef attached to it) followed by the mandatory
// model message. An empty modelText is accepted; a failed or empty generation
// still gets recorded.
func BuildExchange(userText *string, modelText string, imageRef *string) []Message {
	items := make([]Message, 0, 2)
	if userText != nil && *userText != "" {
		items = append(items, Message{
			Role:  RoleUser,
			Parts: []Part{{Text: *userText}},
			Img:   imageRef,
		})
	}
	items = append(items, Message{
		Role:  RoleModel,
		Parts: []Part{{Text: modelText}},
	})
	return items
}

// AppendExchange appends one whole exchange atomically and returns the id of
// the model message row. History grows by exactly one or two messages; it is
// never reordered or rewritten.
func (s *Service) AppendExchange(ctx context.Context, id, owner string, userText *string, modelText string, imageRef *string) (uint64, error) {
	items := BuildExchange(userText, modelText, imageRef)
	err := s.repo.AppendHistory(ctx, id, owner, items)
	if errors.Is(err, ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, storageErr("append history", err)
	}
	return items[len(items)-1].ID, nil
}

// WireHistory converts stored history to the provider wire format. Only the
// first text part of each past turn is re-sent; extra fragments and image
// attachments are dropped from context on purpose. The stored "model" role
// maps to the provider's "assistant".
func WireHistory(history []Message) []ai.Message {
	out := make([]ai.Message, 0, len(history))
	for _, m := range history {
		if len(m.Parts) == 0 {
			continue
		}
		role := "user"
		if m.Role == RoleModel {
			role = "assistant"
		}
		out = append(out, ai.Message{Role: role, Content: m.Parts[0].Text})
	}
	return out
}

func (s *Service) provider(ctx context.Context) (ai.Provider, error) {
	return s.registry.Get(ctx, s.providerName, s.modelName)
}

// promptFor builds the provider input: the most recent window of stored
// history plus the new user prompt.
func (s *Service) promptFor(conv *Conversation, text string) []ai.Message {
	history := conv.History
	if len(history) > s.contextWindowSize {
		history = history[len(history)-s.contextWindowSize:]
	}
	return append(WireHistory(history), ai.Message{Role: "user", Content: text})
}

// StreamReply generates a model reply server-side, streaming chunks as they
// arrive, and appends the full exchange once the stream completes. Both
// channels are closed when the attempt ends; at most one error is sent.
func (s *Service) StreamReply(ctx context.Context, id, owner, text string) (<-chan string, <-chan error) {
	outChunks := make(chan string, 16)
	outErrs := make(chan error, 1)

	go func() {
		// chunks close before errs so consumers can drain fully and then
		// check for a terminal error
		defer close(outErrs)
		defer close(outChunks)

		conv, err := s.GetConversation(ctx, id, owner)
		if err != nil {
			outErrs <- err
			return
		}

		provider, err := s.provider(ctx)
		if err != nil {
			outErrs <- err
			return
		}
		sp, ok := provider.(ai.StreamProvider)
		if !ok {
			outErrs <- errors.New("provider does not support streaming")
			return
		}

		pChunks, pErrs := sp.StreamChat(ctx, s.promptFor(conv, text))

		var b strings.Builder
		for c := range pChunks {
			b.WriteString(c)
			outChunks <- c
		}
		select {
		case err := <-pErrs:
			if err != nil {
				outErrs <- err
				return
			}
		default:
		}

		// empty reply is still appended; every completed attempt gains
		// exactly one model message
		if _, err := s.AppendExchange(ctx, id, owner, &text, b.String(), nil); err != nil {
			outErrs <- err
		}
	}()

	return outChunks, outErrs
}

// GenerateReply is the non-streaming variant used by the async worker.
func (s *Service) GenerateReply(ctx context.Context, id, owner, text string) (string, uint64, error) {
	conv, err := s.GetConversation(ctx, id, owner)
	if err != nil {
		return "", 0, err
	}

	provider, err := s.provider(ctx)
	if err != nil {
		return "", 0, err
	}

	reply, err := provider.Chat(ctx, s.promptFor(conv, text))
	if err != nil {
		return "", 0, err
	}

	msgID, err := s.AppendExchange(ctx, id, owner, &text, reply, nil)
	if err != nil {
		return "", 0, err
	}
	return reply, msgID, nil
}

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	return s.repo.CreateJobOrGetExisting(ctx, job)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	j, err := s.repo.GetJobByID(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get job", err)
	}
	return j, nil
}

// truncateTitle takes a rune-safe prefix so a multibyte first prompt cannot
// be cut mid-character.
func truncateTitle(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
