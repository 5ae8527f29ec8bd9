package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"lime_farm/internal/domain"
	"lime_farm/internal/rewards"
	"lime_farm/internal/service"

	"github.com/gin-gonic/gin"
)

// GetUser returns the ledger, creating it on first sight and settling a
// finished session.
func (h *Handler) GetUser(c *gin.Context) {
	view, err := h.Ledger.GetUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) StartFarming(c *gin.Context) {
	view, err := h.Ledger.StartFarming(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) ClaimDailyReward(c *gin.Context) {
	res, err := h.Ledger.ClaimDailyReward(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// UpdateUser applies a partial overwrite. Unknown fields are rejected.
func (h *Handler) UpdateUser(c *gin.Context) {
	var patch service.UserPatch
	if !h.bindJSON(c, &patch) {
		return
	}
	view, err := h.Ledger.UpdateUser(c.Request.Context(), c.Param("userId"), patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Attempts stays raw so strings, fractions and null all map to invalid_attempts.
type attemptsRequest struct {
	Attempts json.RawMessage `json:"attempts"`
}

func (h *Handler) UpdateAttempts(c *gin.Context) {
	var req attemptsRequest
	if !h.bindJSON(c, &req) {
		return
	}
	if len(req.Attempts) == 0 || string(req.Attempts) == "null" {
		h.fail(c, domain.InvalidAttempts(nil))
		return
	}
	var f float64
	if err := json.Unmarshal(req.Attempts, &f); err != nil {
		h.fail(c, domain.InvalidAttempts(string(req.Attempts)))
		return
	}
	attempts, err := rewards.AttemptsFromNumber(f)
	if err != nil {
		h.fail(c, err)
		return
	}

	view, err := h.Ledger.UpdateAttempts(c.Request.Context(), c.Param("userId"), attempts)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) History(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.badRequest(c, "limit", "must be a positive integer", v)
			return
		}
		limit = n
	}
	events, err := h.Ledger.History(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
