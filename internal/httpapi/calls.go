package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"campus-calls/internal/calls"
	"campus-calls/internal/recording"

	"github.com/gin-gonic/gin"
)

const defaultMaxRecordingBytes = 32 << 20

type createCallRequest struct {
	Title string `json:"title"`
}

type featureRequest struct {
	Feature calls.Feature `json:"feature"`
}

// loadCall fetches the :id call and checks the caller may see it. Parties can
// always see their call; responders can see every call so they can pick up
// pending ones.
func (h Handlers) loadCall(c *gin.Context, op string, id identity) (calls.Call, bool) {
	call, err := h.Calls.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, op, err)
		return calls.Call{}, false
	}
	if !call.IsParty(id.UserID) && !id.responder() {
		h.fail(c, op, calls.ErrForbidden)
		return calls.Call{}, false
	}
	return call, true
}

// CreateCall starts a pending call from the caller.
func (h Handlers) CreateCall(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	call, err := h.Calls.Initiate(c.Request.Context(), id.UserID, req.Title)
	if err != nil {
		h.fail(c, "create_call", err)
		return
	}
	c.JSON(http.StatusCreated, call)
}

// ListCalls returns the caller's calls. Responders see every call and may
// narrow by status, e.g. ?status=pending for the incoming queue.
func (h Handlers) ListCalls(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	f := calls.Filter{Status: calls.Status(c.Query("status"))}
	if !id.responder() {
		f.Party = id.UserID
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		f.Limit = n
	}
	list, err := h.Calls.List(c.Request.Context(), f)
	if err != nil {
		h.fail(c, "list_calls", err)
		return
	}
	if list == nil {
		list = []calls.Call{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": list})
}

func (h Handlers) GetCall(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	call, ok := h.loadCall(c, "get_call", id)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, call)
}

// AcceptCall answers a pending call. Losing the race to another responder is a 409.
func (h Handlers) AcceptCall(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	call, err := h.Calls.Accept(c.Request.Context(), c.Param("id"), id.UserID)
	if err != nil {
		h.fail(c, "accept_call", err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) EndCall(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	call, err := h.Calls.End(c.Request.Context(), c.Param("id"), id.UserID)
	if err != nil {
		h.fail(c, "end_call", err)
		return
	}
	c.JSON(http.StatusOK, call)
}

// DeclineCall marks a pending call missed. Responders use it to decline;
// the initiator uses it to cancel before anyone answers.
func (h Handlers) DeclineCall(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	call, ok := h.loadCall(c, "decline_call", id)
	if !ok {
		return
	}
	call, err := h.Calls.MarkMissed(c.Request.Context(), call.ID, id.UserID)
	if err != nil {
		h.fail(c, "decline_call", err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) MarkFeature(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	var req featureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	call, ok := h.loadCall(c, "mark_feature", id)
	if !ok {
		return
	}
	if !call.IsParty(id.UserID) {
		h.fail(c, "mark_feature", calls.ErrForbidden)
		return
	}
	call, err := h.Calls.MarkFeature(c.Request.Context(), call.ID, req.Feature)
	if err != nil {
		h.fail(c, "mark_feature", err)
		return
	}
	c.JSON(http.StatusOK, call)
}

// UploadRecording stores a party's recording (multipart field "file") and
// attaches its URL to the call. A call keeps the first recording it gets.
func (h Handlers) UploadRecording(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	if h.Blobs == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "recording storage not configured"})
		return
	}
	call, ok := h.loadCall(c, "upload_recording", id)
	if !ok {
		return
	}
	if !call.IsParty(id.UserID) {
		h.fail(c, "upload_recording", calls.ErrForbidden)
		return
	}
	if call.VoiceNoteURL != "" {
		h.fail(c, "upload_recording", calls.ErrVoiceNoteExists)
		return
	}

	limit := h.MaxRecordingBytes
	if limit <= 0 {
		limit = defaultMaxRecordingBytes
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	fh, err := c.FormFile("file")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "file required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer f.Close()

	url, err := h.Blobs.Put(c.Request.Context(), recording.Key(call.ID, time.Now()), recording.ContentType, f)
	if err != nil {
		h.fail(c, "upload_recording", err)
		return
	}
	call, err = h.Calls.AttachVoiceNote(c.Request.Context(), call.ID, url)
	if err != nil {
		h.fail(c, "upload_recording", err)
		return
	}
	h.logger(c).Info("recording uploaded", "call_id", call.ID, "user_id", id.UserID, "bytes", fh.Size)
	c.JSON(http.StatusCreated, call)
}

// CallEvents returns the audit trail for a call. Responders only.
func (h Handlers) CallEvents(c *gin.Context) {
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit not configured"})
		return
	}
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	call, ok := h.loadCall(c, "call_events", id)
	if !ok {
		return
	}
	events, err := h.Audit.Trail(c.Request.Context(), call.ID)
	if err != nil {
		h.fail(c, "call_events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
