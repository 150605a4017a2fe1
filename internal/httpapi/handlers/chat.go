package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/lumizhao/sparkchat/internal/chat"
	"github.com/lumizhao/sparkchat/internal/common"
)

// envelope shorthands, shared shape lives in common
func ok(c *gin.Context, data any)      { common.OK(c, data) }
func created(c *gin.Context, data any) { common.Created(c, data) }

func fail(c *gin.Context, httpStatus int, code int, msg string) {
	common.Fail(c, httpStatus, code, msg)
}

// ownerFromRequest reads the opaque owner identifier from the query string
// (header fallback). It is not a credential and is never verified.
func ownerFromRequest(c *gin.Context) (string, bool) {
	owner := strings.TrimSpace(c.Query("owner"))
	if owner == "" {
		owner = strings.TrimSpace(c.GetHeader("X-Owner-ID"))
	}
	return owner, owner != ""
}

func (h *Handler) Ping(c *gin.Context) {
	ok(c, gin.H{"pong": true})
}

type createChatReq struct {
	Text string `json:"text"`
}

func (h *Handler) CreateChat(c *gin.Context) {
	owner, okk := ownerFromRequest(c)
	if !okk {
		fail(c, http.StatusBadRequest, 10002, "owner required")
		return
	}

	var req createChatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	id, err := h.ChatSvc.CreateConversation(c.Request.Context(), owner, req.Text)
	if err != nil {
		if errors.Is(err, chat.ErrValidation) {
			fail(c, http.StatusBadRequest, 10003, "text required")
			return
		}
		log.Error().Err(err).Str("owner", owner).Msg("create chat failed")
		fail(c, http.StatusInternalServerError, 50001, "failed to create chat")
		return
	}

	created(c, gin.H{"chat_id": id})
}

func (h *Handler) ListUserChats(c *gin.Context) {
	owner, okk := ownerFromRequest(c)
	if !okk {
		fail(c, http.StatusBadRequest, 10002, "owner required")
		return
	}

	entries, err := h.ChatSvc.ListConversations(c.Request.Context(), owner)
	if err != nil {
		log.Error().Err(err).Str("owner", owner).Msg("list chats failed")
		fail(c, http.StatusInternalServerError, 50002, "failed to list chats")
		return
	}

	ok(c, gin.H{"chats": entries})
}

func (h *Handler) GetChat(c *gin.Context) {
	owner, okk := ownerFromRequest(c)
	if !okk {
		fail(c, http.StatusBadRequest, 10002, "owner required")
		return
	}

	conv, err := h.ChatSvc.GetConversation(c.Request.Context(), c.Param("id"), owner)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			fail(c, http.StatusNotFound, 40401, "chat not found")
			return
		}
		log.Error().Err(err).Str("owner", owner).Msg("get chat failed")
		fail(c, http.StatusInternalServerError, 50003, "failed to fetch chat")
		return
	}

	ok(c, conv)
}

type appendChatReq struct {
	Question *string `json:"question"`
	// Answer may legitimately be empty; a failed or empty generation is
	// still recorded.
	Answer string  `json:"answer"`
	Img    *string `json:"img"`
}

func (h *Handler) AppendChat(c *gin.Context) {
	owner, okk := ownerFromRequest(c)
	if !okk {
		fail(c, http.StatusBadRequest, 10002, "owner required")
		return
	}

	var req appendChatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	msgID, err := h.ChatSvc.AppendExchange(
		c.Request.Context(), c.Param("id"), owner,
		req.Question, req.Answer, req.Img,
	)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			fail(c, http.StatusNotFound, 40401, "chat not found")
			return
		}
		log.Error().Err(err).Str("owner", owner).Msg("append chat failed")
		fail(c, http.StatusInternalServerError, 50004, "failed to append chat")
		return
	}

	ok(c, gin.H{"message_id": msgID})
}

type streamChatReq struct {
	Text string `json:"text" binding:"required"`
}

// StreamChat generates a reply server-side and streams it over SSE. The
// exchange is appended once the stream completes.
func (h *Handler) StreamChat(c *gin.Context) {
	owner, okk := ownerFromRequest(c)
	if !okk {
		fail(c, http.StatusBadRequest, 10002, "owner required")
		return
	}

	var req streamChatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx

	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	chunks, errs := h.ChatSvc.StreamReply(ctx, c.Param("id"), owner, req.Text)

	// heartbeat keeps idle proxies from cutting the connection
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	flusher, canFlush := c.Writer.(http.Flusher)
	if !canFlush {
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}

	for chunks != nil || errs != nil {
		select {
		case ch, open := <-chunks:
			if !open {
				chunks = nil
				continue
			}
			writeJSON("chunk", gin.H{"type": "chunk", "delta": ch})

		case <-ticker.C:
			writeJSON("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})

		case err, open := <-errs:
			if !open {
				errs = nil
				continue
			}
			if err == nil {
				continue
			}
			if errors.Is(err, chat.ErrNotFound) {
				writeJSON("error", gin.H{"type": "error", "message": "chat not found"})
				return
			}
			writeJSON("error", gin.H{"type": "error", "message": err.Error()})
			return

		case <-ctx.Done():
			return
		}
	}

	// both channels drained without error: stream finished and the
	// exchange was appended
	writeJSON("done", gin.H{"type": "done"})
}

type generateReq struct {
	Text string `json:"text" binding:"required"`
}

// GenerateAsync enqueues a server-side generation job. The worker appends
// the exchange when the reply is ready.
func (h *Handler) GenerateAsync(c *gin.Context) {
	owner, okk := ownerFromRequest(c)
	if !okk {
		fail(c, http.StatusBadRequest, 10002, "owner required")
		return
	}
	if h.Rabbit == nil {
		fail(c, http.StatusServiceUnavailable, 50301, "async generation unavailable")
		return
	}

	var req generateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	// verify the conversation exists for this owner before queueing
	if _, err := h.ChatSvc.GetConversation(c.Request.Context(), c.Param("id"), owner); err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			fail(c, http.StatusNotFound, 40401, "chat not found")
			return
		}
		log.Error().Err(err).Str("owner", owner).Msg("generate precheck failed")
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		fail(c, http.StatusBadRequest, 10004, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	jobID, err := common.NewULID()
	if err != nil {
		log.Error().Err(err).Msg("job id generation failed")
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	j := &chat.Job{
		ID:             jobID,
		Owner:          owner,
		ConversationID: c.Param("id"),
		Prompt:         req.Text,
		IdempotencyKey: idempoKeyPtr,
		Status:         chat.JobQueued,
	}

	job, isNew, err := h.ChatSvc.CreateJobOrGetExisting(c.Request.Context(), j)
	if err != nil {
		log.Error().Err(err).Str("owner", owner).Str("job_id", jobID).Msg("create job failed")
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	if isNew {
		if err := h.Rabbit.PublishJob(c.Request.Context(), job.ID); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("enqueue job failed")
			fail(c, http.StatusInternalServerError, 50005, "enqueue failed")
			return
		}
	}

	ok(c, gin.H{"job_id": job.ID})
}

func (h *Handler) GetJob(c *gin.Context) {
	owner, okk := ownerFromRequest(c)
	if !okk {
		fail(c, http.StatusBadRequest, 10002, "owner required")
		return
	}

	jobID := c.Param("job_id")
	if jobID == "" {
		fail(c, http.StatusBadRequest, 10005, "job_id required")
		return
	}

	j, err := h.ChatSvc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		log.Error().Err(err).Str("job_id", jobID).Msg("get job failed")
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if j.Owner != owner {
		// hide existence
		fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}

	ok(c, gin.H{
		"job": gin.H{
			"id":                j.ID,
			"chat_id":           j.ConversationID,
			"status":            j.Status,
			"result_message_id": j.ResultMessageID,
			"error":             j.Error,
			"created_at":        j.CreatedAt,
			"updated_at":        j.UpdatedAt,
		},
	})
}
