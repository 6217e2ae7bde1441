package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/chatwire/internal/store"
	"github.com/chatwire/pkg/models"
)

// getMessages serves one page of history plus the always-fresh read-cursor
// map. Page 1 is cache-aside: try the cached page, fall back to the store and
// refill on a miss. Deeper pages always hit the store.
func (s *Server) getMessages(c echo.Context) error {
	ctx := c.Request().Context()

	conversationID, err := strconv.ParseInt(c.Param("conversationId"), 10, 64)
	if err != nil || conversationID <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "invalid conversation id"})
	}

	page := 1
	if raw := c.QueryParam("page"); raw != "" {
		if page, err = strconv.Atoi(raw); err != nil || page < 1 {
			return c.JSON(http.StatusBadRequest, map[string]string{"message": "invalid page"})
		}
	}

	// Read cursors change independently of message content and are never
	// cached; fetch them fresh even on a cache hit.
	readStatus, err := s.store.ReadStatus(ctx, conversationID)
	if err != nil {
		log.Error().Err(err).Int64("conversation_id", conversationID).Msg("read status failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Server Error"})
	}

	if page == 1 {
		cached, err := s.cache.FirstPage(ctx, conversationID, s.opts.PageSize)
		if err != nil {
			// The cache is an optimization; fall through to the store.
			log.Warn().Err(err).Int64("conversation_id", conversationID).Msg("cache read failed")
		} else if len(cached) > 0 {
			return c.JSON(http.StatusOK, models.HistoryResponse{
				Messages:   reversePayloads(cached),
				HasMore:    len(cached) == s.opts.PageSize,
				ReadStatus: readStatus,
			})
		}
	}

	msgs, err := s.store.MessagePage(ctx, conversationID, page, s.opts.PageSize)
	if err != nil {
		log.Error().Err(err).Int64("conversation_id", conversationID).Msg("message page failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Server Error"})
	}

	payloads := toPayloads(msgs)

	if page == 1 && len(payloads) > 0 {
		if err := s.cache.FillFirstPage(ctx, conversationID, payloads, s.opts.CacheTTL); err != nil {
			log.Warn().Err(err).Int64("conversation_id", conversationID).Msg("cache fill failed")
		}
	}

	return c.JSON(http.StatusOK, models.HistoryResponse{
		Messages:   reversePayloads(payloads),
		HasMore:    len(payloads) == s.opts.PageSize,
		ReadStatus: readStatus,
	})
}

// searchMessages runs an AND-of-prefix full-text query. An empty sanitized
// query is a defined empty result, not an error, and never hits the store.
func (s *Server) searchMessages(c echo.Context) error {
	ctx := c.Request().Context()

	conversationID, err := strconv.ParseInt(c.Param("conversationId"), 10, 64)
	if err != nil || conversationID <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "invalid conversation id"})
	}

	tsquery := store.BuildSearchQuery(c.QueryParam("q"))
	if tsquery == "" {
		return c.JSON(http.StatusOK, models.SearchResponse{Messages: []models.MessagePayload{}})
	}

	msgs, err := s.store.SearchMessages(ctx, conversationID, tsquery, s.opts.SearchLimit)
	if err != nil {
		log.Error().Err(err).Int64("conversation_id", conversationID).Msg("search failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Search failed"})
	}

	return c.JSON(http.StatusOK, models.SearchResponse{Messages: toPayloads(msgs)})
}

type reactRequest struct {
	Emoji  string `json:"emoji"`
	UserID int64  `json:"userId"`
}

// reactToMessage toggles a reaction triple and invalidates the conversation's
// cached page: cached payloads embed reaction lists, so patching would leave
// a stale window.
func (s *Server) reactToMessage(c echo.Context) error {
	ctx := c.Request().Context()

	messageID, err := strconv.ParseInt(c.Param("messageId"), 10, 64)
	if err != nil || messageID <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "invalid message id"})
	}

	var req reactRequest
	if err := c.Bind(&req); err != nil || req.Emoji == "" || req.UserID <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "emoji and userId are required"})
	}

	if claims := identityFrom(c); claims != nil && claims.UserID != req.UserID {
		return c.JSON(http.StatusForbidden, map[string]string{"message": "userId does not match token"})
	}

	result, err := s.store.ToggleReaction(ctx, messageID, req.UserID, req.Emoji)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"message": "Message not found"})
	}
	if err != nil {
		log.Error().Err(err).Int64("message_id", messageID).Msg("reaction toggle failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Reaction failed"})
	}

	if err := s.cache.InvalidatePage(ctx, result.ConversationID); err != nil {
		// A stale cached reaction list is a correctness bug; make the caller
		// retry rather than serving it.
		log.Error().Err(err).Int64("conversation_id", result.ConversationID).Msg("cache invalidation failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Reaction failed"})
	}

	return c.JSON(http.StatusOK, result)
}

// toPayloads keeps store order (newest first).
func toPayloads(msgs []store.Message) []models.MessagePayload {
	payloads := make([]models.MessagePayload, len(msgs))
	for i, m := range msgs {
		payloads[i] = m.Payload("")
	}
	return payloads
}

// reversePayloads flips newest-first storage order into the oldest-first
// order clients render.
func reversePayloads(payloads []models.MessagePayload) []models.MessagePayload {
	out := make([]models.MessagePayload, len(payloads))
	for i, p := range payloads {
		out[len(payloads)-1-i] = p
	}
	return out
}
