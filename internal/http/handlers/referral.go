package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetReferrals returns the user's code, invitees (masked) and earnings.
func (h *Handler) GetReferrals(c *gin.Context) {
	view, err := h.Ledger.GetReferrals(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type ApplyReferralRequest struct {
	ReferralCode string `json:"referral_code" binding:"required,max=32"`
}

// ApplyReferral attaches the user to the owner of the submitted code.
func (h *Handler) ApplyReferral(c *gin.Context) {
	var req ApplyReferralRequest
	if !h.bindJSON(c, &req) {
		return
	}

	res, err := h.Ledger.ApplyReferral(c.Request.Context(), c.Param("userId"), req.ReferralCode)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"referral": res,
	})
}
