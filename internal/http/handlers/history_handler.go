// Package handlers – chat history read endpoint.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/gptbase/chat-backend/internal/cache"
)

// HistoryReader is the read-only slice of the history store the REST
// endpoint needs.
type HistoryReader interface {
	Turns(ctx context.Context, userKey string) ([]cache.ChatTurn, error)
	Exists(ctx context.Context, userKey string) (bool, error)
}

// HistoryResponse is the body of GET /history/:user_id.
type HistoryResponse struct {
	UserID  string           `json:"user_id"`
	History []cache.ChatTurn `json:"history"`
	Exist   bool             `json:"exist"`
}

// ChatHistory returns the caller's live (unexpired) conversation log. An
// expired or never-seen user yields an empty history with exist=false, not
// an error.
func (h *Handler) ChatHistory(c *gin.Context) {
	uid, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid user id")
		return
	}
	userKey := string(uid[:])
	ctx := c.Request.Context()

	turns, err := h.HistoryR.Turns(ctx, userKey)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeHistoryFailed, "history read failed")
		return
	}
	exist, err := h.HistoryR.Exists(ctx, userKey)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeHistoryFailed, "history read failed")
		return
	}
	if turns == nil {
		turns = []cache.ChatTurn{}
	}

	ok(c, http.StatusOK, HistoryResponse{
		UserID:  uid.String(),
		History: turns,
		Exist:   exist,
	})
}
