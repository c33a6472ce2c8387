package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"campus-calls/internal/calls"
	"campus-calls/internal/signaling"

	"github.com/gin-gonic/gin"
)

type sendSignalRequest struct {
	To   string          `json:"to"`
	Type signaling.Type  `json:"signal_type"`
	Data json.RawMessage `json:"signal_data"`
}

// SendSignal relays an offer, answer or ICE candidate to the other party.
// Only parties of an active call may signal; "to" defaults to the counterpart.
func (h Handlers) SendSignal(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	var req sendSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	call, ok := h.loadCall(c, "send_signal", id)
	if !ok {
		return
	}
	if !call.IsParty(id.UserID) {
		h.fail(c, "send_signal", calls.ErrForbidden)
		return
	}
	if call.Status != calls.StatusActive {
		h.fail(c, "send_signal", fmt.Errorf("%w: call is %s", calls.ErrInvalidTransition, call.Status))
		return
	}
	to := req.To
	if to == "" {
		to = call.Counterpart(id.UserID)
	}
	if !call.IsParty(to) || to == id.UserID {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "recipient must be the other party"})
		return
	}
	if len(req.Data) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "signal_data required"})
		return
	}

	msg, err := h.Signals.Send(c.Request.Context(), call.ID, id.UserID, to, req.Type, req.Data)
	if err != nil {
		h.fail(c, "send_signal", err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// ListSignals returns the call's signaling history in send order.
func (h Handlers) ListSignals(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	call, ok := h.loadCall(c, "list_signals", id)
	if !ok {
		return
	}
	if !call.IsParty(id.UserID) {
		h.fail(c, "list_signals", calls.ErrForbidden)
		return
	}
	msgs, err := h.Signals.History(c.Request.Context(), call.ID)
	if err != nil {
		h.fail(c, "list_signals", err)
		return
	}
	if msgs == nil {
		msgs = []signaling.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"signals": msgs})
}
