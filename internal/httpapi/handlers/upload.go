package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// UploadAuth hands the browser one-time signed parameters for a direct CDN
// upload. The private key stays server-side.
func (h *Handler) UploadAuth(c *gin.Context) {
	params, err := h.Uploads.Issue(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("issue upload params failed")
		fail(c, http.StatusInternalServerError, 50006, "failed to sign upload")
		return
	}
	ok(c, params)
}

type redeemUploadReq struct {
	Token     string `json:"token" binding:"required"`
	Expire    int64  `json:"expire" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// UploadRedeem consumes upload credentials once the file has landed on the
// CDN. The signature is recomputed server-side and the token is burned
// atomically, so the same triple cannot authorize a second upload.
func (h *Handler) UploadRedeem(c *gin.Context) {
	var req redeemUploadReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	if !h.Uploads.Verify(req.Token, req.Expire, req.Signature) {
		fail(c, http.StatusBadRequest, 10006, "bad upload signature")
		return
	}
	if req.Expire < time.Now().Unix() {
		fail(c, http.StatusBadRequest, 10007, "upload token expired")
		return
	}
	if !h.Uploads.Tracking() {
		fail(c, http.StatusServiceUnavailable, 50302, "upload token tracking unavailable")
		return
	}

	redeemed, err := h.Uploads.Redeem(c.Request.Context(), req.Token)
	if err != nil {
		log.Error().Err(err).Msg("redeem upload token failed")
		fail(c, http.StatusInternalServerError, 50006, "failed to redeem upload")
		return
	}
	if !redeemed {
		fail(c, http.StatusConflict, 40901, "upload token already used")
		return
	}

	ok(c, gin.H{"redeemed": true})
}
