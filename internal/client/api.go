package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/lumizhao/sparkchat/internal/chat"
	"github.com/lumizhao/sparkchat/internal/upload"
)

// NewAnonymousOwner mints an owner identifier for a fresh session. Callers
// keep it for the session's lifetime; there is no hidden singleton and no
// credential behind it.
func NewAnonymousOwner() string {
	return uuid.NewString()
}

// API is a thin JSON client for the chat backend. The owner identifier rides
// along on every call as a query parameter.
type API struct {
	BaseURL string
	Owner   string
	Client  *http.Client
}

func NewAPI(baseURL, owner string) *API {
	return &API{
		BaseURL: baseURL,
		Owner:   owner,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (a *API) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	u := fmt.Sprintf("%s%s?owner=%s", a.BaseURL, path, url.QueryEscape(a.Owner))
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("chat api: %s %s: status %d: %w", method, path, resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || env.Code != 0 {
		return fmt.Errorf("chat api: %s %s: status %d code %d: %s",
			method, path, resp.StatusCode, env.Code, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (a *API) CreateConversation(ctx context.Context, text string) (string, error) {
	var out struct {
		ChatID string `json:"chat_id"`
	}
	err := a.do(ctx, http.MethodPost, "/api/chats", map[string]string{"text": text}, &out)
	if err != nil {
		return "", err
	}
	return out.ChatID, nil
}

func (a *API) ListConversations(ctx context.Context) ([]chat.IndexEntry, error) {
	var out struct {
		Chats []chat.IndexEntry `json:"chats"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/userchats", nil, &out); err != nil {
		return nil, err
	}
	return out.Chats, nil
}

func (a *API) GetConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	var conv chat.Conversation
	if err := a.do(ctx, http.MethodGet, "/api/chats/"+id, nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// UploadAuth fetches one-time signed parameters for a direct CDN upload.
func (a *API) UploadAuth(ctx context.Context) (*upload.AuthParams, error) {
	var p upload.AuthParams
	if err := a.do(ctx, http.MethodGet, "/api/upload", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// RedeemUpload burns the upload credentials once the file has landed on the
// CDN. Callers redeem before attaching the image reference to an exchange;
// a second redeem of the same triple fails.
func (a *API) RedeemUpload(ctx context.Context, p *upload.AuthParams) error {
	return a.do(ctx, http.MethodPost, "/api/upload/redeem", p, nil)
}

// AppendExchange commits one whole exchange: the optional user question
// (with image reference) and the accumulated answer. Answer may be empty.
func (a *API) AppendExchange(ctx context.Context, id string, question *string, answer string, img *string) error {
	body := map[string]any{"answer": answer}
	if question != nil {
		body["question"] = *question
	}
	if img != nil {
		body["img"] = *img
	}
	return a.do(ctx, http.MethodPut, "/api/chats/"+id, body, nil)
}
