package handlers

import (
	"net/http"

	"lime_farm/internal/logger"
	"lime_farm/internal/telegram"

	"github.com/gin-gonic/gin"
)

type AuthRequest struct {
	InitData string `json:"init_data" binding:"required,max=4096"`
}

// Auth exchanges verified Telegram init data for a bearer token scoped to
// the caller's ledger.
func (h *Handler) Auth(c *gin.Context) {
	if !h.AuthEnabled() {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": errorBody{
			Kind: "not_found", Code: "auth_disabled", Message: "authentication is not configured",
		}})
		return
	}

	var req AuthRequest
	if !h.bindJSON(c, &req) {
		return
	}

	values, err := telegram.ValidateInitData(req.InitData, h.BotToken, h.now(), h.authMaxAge)
	if err != nil {
		logger.WithContext(c.Request.Context()).Warn("init data rejected", "ip", c.ClientIP(), "error", err)
		unauthorized(c, "invalid_init_data", "invalid or stale telegram data")
		return
	}
	tgUser, err := telegram.ParseUser(values)
	if err != nil {
		h.badRequest(c, "user", err.Error(), nil)
		return
	}

	ctx := c.Request.Context()
	view, err := h.Ledger.GetUser(ctx, tgUser.LedgerID())
	if err != nil {
		h.fail(c, err)
		return
	}

	token, expiresAt, err := h.Tokens.Issue(view.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expiresAt,
		"user": gin.H{
			"id":         view.UserID,
			"tg_id":      tgUser.ID,
			"username":   tgUser.Username,
			"first_name": tgUser.FirstName,
		},
		"ledger": view,
	})
}
