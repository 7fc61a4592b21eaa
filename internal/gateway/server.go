// Package gateway exposes the messaging core to UI clients: a small REST
// surface over the store and a websocket bridge onto the live channels.
// Identity arrives as an opaque user id; authentication itself lives in
// front of this service.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/pawsitter/chatcore/internal/chat"
	"github.com/pawsitter/chatcore/internal/store"
	"github.com/pawsitter/chatcore/internal/transport"
)

// maxPageSize caps client-requested message page sizes.
const maxPageSize = 500

// Server hosts the REST and websocket endpoints.
type Server struct {
	echo  *echo.Echo
	store store.Store
	tr    transport.Transport
}

// New wires the routes.
func New(st store.Store, tr transport.Transport) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, store: st, tr: tr}

	v1 := e.Group("/api/v1")
	v1.GET("/conversations", s.listConversations)
	v1.POST("/conversations", s.createConversation)
	v1.DELETE("/conversations/:id", s.deleteConversation)
	v1.GET("/conversations/:id/messages", s.listMessages)
	v1.POST("/conversations/:id/messages", s.sendMessage)
	v1.POST("/conversations/:id/read", s.markRead)
	e.GET("/ws", s.handleWS)

	return s
}

// Start blocks serving on addr.
func (s *Server) Start(addr string) error {
	log.Info().Str("addr", addr).Msg("gateway listening")
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// userID pulls the caller identity set by the auth layer in front of us.
func userID(c echo.Context) (string, error) {
	id := c.Request().Header.Get("X-User-ID")
	if id == "" {
		id = c.QueryParam("user")
	}
	if id == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "Missing user identity")
	}
	return id, nil
}

// httpError maps the core error taxonomy onto status codes.
func httpError(err error) error {
	if chat.IsNotFound(err) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if chat.IsAuthorization(err) {
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	var ve *chat.ValidationError
	if errors.As(err, &ve) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (s *Server) listConversations(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	convs, err := s.store.ListConversations(c.Request().Context(), uid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, convs)
}

type createConversationRequest struct {
	CounterpartyID string `json:"counterparty_id"`
}

func (s *Server) createConversation(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req createConversationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	conv, err := s.store.GetOrCreateConversation(c.Request().Context(), uid, req.CounterpartyID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, conv)
}

func (s *Server) deleteConversation(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	if err := s.store.DeleteConversation(c.Request().Context(), c.Param("id"), uid); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listMessages(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	// Participant check happens via the annotated lookup.
	if _, err := s.store.GetConversation(c.Request().Context(), c.Param("id"), uid); err != nil {
		return httpError(err)
	}

	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		limit = n
	}
	var before *time.Time
	if raw := c.QueryParam("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid before timestamp")
		}
		before = &t
	}

	msgs, err := s.store.ListMessages(c.Request().Context(), c.Param("id"), limit, before)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, msgs)
}

type sendMessageRequest struct {
	Content string           `json:"content"`
	Kind    chat.MessageKind `json:"kind"`
}

func (s *Server) sendMessage(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Kind == "" {
		req.Kind = chat.KindText
	}
	msg, err := s.store.InsertMessage(c.Request().Context(), c.Param("id"), uid, req.Content, req.Kind)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, msg)
}

func (s *Server) markRead(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	if err := s.store.MarkRead(c.Request().Context(), c.Param("id"), uid); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

