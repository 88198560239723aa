package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/MarcoPoloResearchLab/nous/internal/couple"
	"github.com/MarcoPoloResearchLab/nous/internal/members"
	"github.com/MarcoPoloResearchLab/nous/internal/records"
	"github.com/MarcoPoloResearchLab/nous/internal/remote"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxRequestBody = 1 << 20

func (h *httpHandler) handleCreateCouple(c *gin.Context) {
	userID, _ := callerOf(c)
	status, err := h.members.CreateCouple(c.Request.Context(), userID)
	if err != nil {
		h.respondMembershipError(c, err)
		return
	}
	c.JSON(http.StatusCreated, status)
}

func (h *httpHandler) handleJoinCouple(c *gin.Context) {
	userID, _ := callerOf(c)
	coupleID, err := couple.NewCoupleID(c.Param("couple_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_couple_id"})
		return
	}
	status, err := h.members.JoinCouple(c.Request.Context(), coupleID, userID)
	if err != nil {
		h.respondMembershipError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleCoupleStatus(c *gin.Context) {
	userID, _ := callerOf(c)
	status, err := h.members.Status(c.Request.Context(), userID)
	if err != nil {
		h.respondMembershipError(c, err)
		return
	}
	c.JSON(http.StatusOK, remote.Membership{
		UserID:   userID.String(),
		CoupleID: status.CoupleID,
		Members:  status.Members,
		Complete: status.Complete,
	})
}

func (h *httpHandler) respondMembershipError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, members.ErrNoCouple):
		c.JSON(http.StatusNotFound, gin.H{"error": "no_couple"})
	case errors.Is(err, members.ErrCoupleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "couple_not_found"})
	case errors.Is(err, members.ErrCoupleFull):
		c.JSON(http.StatusConflict, gin.H{"error": "couple_full"})
	case errors.Is(err, members.ErrAlreadyMember):
		c.JSON(http.StatusConflict, gin.H{"error": "already_member"})
	default:
		c.JSON(http.StatusInternalServerError, errorBody("membership_failed", err))
	}
}

func (h *httpHandler) handleList(c *gin.Context) {
	collection, ok := collectionParam(c)
	if !ok {
		return
	}
	_, scope := callerOf(c)
	found, err := h.records.List(c.Request.Context(), scope, collection)
	if err != nil {
		h.respondRecordError(c, err)
		return
	}
	items := make([]json.RawMessage, 0, len(found))
	for _, record := range found {
		items = append(items, record.Row)
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	collection, ok := collectionParam(c)
	if !ok {
		return
	}
	payload, ok := readBody(c)
	if !ok {
		return
	}
	userID, scope := callerOf(c)
	record, created, err := h.records.Create(c.Request.Context(), scope, userID, collection, payload)
	if err != nil {
		h.respondRecordError(c, err)
		return
	}
	if !created {
		c.JSON(http.StatusOK, gin.H{"item": record.Row})
		return
	}
	h.publishChange(scope, remote.OpInsert, collection, record.Row)
	c.JSON(http.StatusCreated, gin.H{"item": record.Row})
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	collection, ok := collectionParam(c)
	if !ok {
		return
	}
	patch, ok := readBody(c)
	if !ok {
		return
	}
	_, scope := callerOf(c)
	record, err := h.records.Update(c.Request.Context(), scope, collection, c.Param("id"), patch)
	if err != nil {
		h.respondRecordError(c, err)
		return
	}
	h.publishChange(scope, remote.OpUpdate, collection, record.Row)
	c.JSON(http.StatusOK, gin.H{"item": record.Row})
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	collection, ok := collectionParam(c)
	if !ok {
		return
	}
	_, scope := callerOf(c)
	id := c.Param("id")
	deleted, err := h.records.Delete(c.Request.Context(), scope, collection, id)
	if err != nil {
		h.respondRecordError(c, err)
		return
	}
	if deleted {
		ref, _ := json.Marshal(struct {
			ID       string `json:"id"`
			CoupleID string `json:"couple_id"`
		}{ID: id, CoupleID: scope.String()})
		h.publishChange(scope, remote.OpDelete, collection, ref)
	}
	c.Status(http.StatusNoContent)
}

// handleNotify sends a push message about one stored record to the partner of the caller.
func (h *httpHandler) handleNotify(c *gin.Context) {
	var request remote.NotifyRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	collection, err := couple.ParseCollection(request.Collection.String())
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_collection"})
		return
	}
	userID, scope := callerOf(c)
	record, err := h.records.Get(c.Request.Context(), scope, collection, request.ID)
	if err != nil {
		h.respondRecordError(c, err)
		return
	}
	memberIDs, err := h.members.Members(c.Request.Context(), scope)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("notify_failed", err))
		return
	}
	notification := h.composer.Compose(collection, record.Row)
	delivered := 0
	for _, memberID := range memberIDs {
		if memberID == userID.String() {
			continue
		}
		h.realtime.Publish(RealtimeMessage{
			CoupleID:  scope.String(),
			Recipient: memberID,
			Payload: remote.Message{
				Type:         remote.MessageNotification,
				Collection:   collection,
				Notification: &notification,
			},
		})
		delivered++
	}
	c.JSON(http.StatusAccepted, gin.H{"recipients": delivered})
}

func (h *httpHandler) publishChange(scope couple.CoupleID, op remote.Op, collection couple.Collection, row json.RawMessage) {
	h.realtime.Publish(RealtimeMessage{
		CoupleID: scope.String(),
		Payload: remote.Message{
			Type:       remote.MessageChange,
			Op:         op,
			Collection: collection,
			Row:        row,
		},
	})
}

func (h *httpHandler) respondRecordError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, couple.ErrUnknownCollection):
		c.JSON(http.StatusNotFound, errorBody("unknown_collection", err))
	case errors.Is(err, records.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody("not_found", err))
	case errors.Is(err, records.ErrInvalidPayload), errors.Is(err, couple.ErrInvalidEntity):
		c.JSON(http.StatusBadRequest, errorBody("invalid_payload", err))
	default:
		h.logger.Error("record operation failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("internal_error", err))
	}
}

func collectionParam(c *gin.Context) (couple.Collection, bool) {
	collection, err := couple.ParseCollection(c.Param("collection"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_collection"})
		return "", false
	}
	return collection, true
}

func readBody(c *gin.Context) (json.RawMessage, bool) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil || !json.Valid(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return nil, false
	}
	return raw, true
}
