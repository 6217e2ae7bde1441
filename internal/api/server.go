// Package api is the HTTP surface: paginated history, full-text search, the
// reaction toggle and the websocket mount.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/chatwire/internal/gateway"
	"github.com/chatwire/internal/store"
	"github.com/chatwire/pkg/models"
)

// MessageReader is the slice of the store the read path needs.
type MessageReader interface {
	MessagePage(ctx context.Context, conversationID int64, page, limit int) ([]store.Message, error)
	SearchMessages(ctx context.Context, conversationID int64, tsquery string, limit int) ([]store.Message, error)
	ReadStatus(ctx context.Context, conversationID int64) (models.ReadStatus, error)
	ToggleReaction(ctx context.Context, messageID, userID int64, emoji string) (store.ReactionToggle, error)
}

// PageCache is the slice of the cache the read path needs.
type PageCache interface {
	FirstPage(ctx context.Context, conversationID int64, limit int) ([]models.MessagePayload, error)
	FillFirstPage(ctx context.Context, conversationID int64, payloads []models.MessagePayload, ttl time.Duration) error
	InvalidatePage(ctx context.Context, conversationID int64) error
}

// Options tunes the read path.
type Options struct {
	Port        int
	PageSize    int
	CacheTTL    time.Duration
	SearchLimit int
	JWTSecret   string
	EventRate   gateway.EventRate
}

// Server represents the API server
type Server struct {
	echo  *echo.Echo
	opts  Options
	store MessageReader
	cache PageCache
	hub   *gateway.Hub
}

// NewServer creates a new API server
func NewServer(st MessageReader, ca PageCache, hub *gateway.Hub, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server := &Server{
		echo:  e,
		opts:  opts,
		store: st,
		cache: ca,
		hub:   hub,
	}

	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	s.echo.GET("/ws", gateway.ServeWS(s.hub, s.opts.EventRate))

	messages := s.echo.Group("/messages", s.identityMiddleware())
	messages.GET("/:conversationId", s.getMessages)
	messages.GET("/:conversationId/search", s.searchMessages)
	messages.POST("/:messageId/react", s.reactToMessage)
}

// Start begins serving; it blocks until Shutdown is called.
func (s *Server) Start() error {
	err := s.echo.Start(fmt.Sprintf(":%d", s.opts.Port))
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
