package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-chat/internal/config"
	"github.com/weiawesome/wes-chat/internal/domain"
	"github.com/weiawesome/wes-chat/internal/hub"
	"github.com/weiawesome/wes-chat/internal/service"
	"github.com/weiawesome/wes-chat/pkg/log"
	"github.com/weiawesome/wes-chat/pkg/middleware"
)

const (
	defaultWSPath   = "/ws"
	tokenQueryParam = "token"
)

type WSHandler struct {
	hub      *hub.Hub
	service  service.ChatService
	validate *validator.Validate
	upgrader websocket.Upgrader
	wsCfg    config.WebSocketConfig

	// conns counts admitted connections that have not been released.
	conns sync.WaitGroup
}

func NewWSHandler(h *hub.Hub, svc service.ChatService, wsCfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		hub:      h,
		service:  svc,
		validate: newValidator(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(wsCfg.AllowedOrigins),
		},
		wsCfg: wsCfg,
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// originChecker allows every origin when none are configured or "*" is
// listed. Requests without an Origin header are not from a browser and
// are always allowed.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		if len(set) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *WSHandler) RegisterRoutes(r *gin.Engine) {
	path := h.wsCfg.Path
	if path == "" {
		path = defaultWSPath
	}
	r.GET(path, h.HandleWebSocket)
}

// credential reads the handshake credential from the token query
// parameter, falling back to a bearer Authorization header.
func credential(r *http.Request) string {
	if token := r.URL.Query().Get(tokenQueryParam); token != "" {
		return token
	}
	token, _ := middleware.BearerToken(r.Header.Get(middleware.AuthHeaderKey))
	return token
}

func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	reqLogger := log.Ctx(c.Request.Context())
	token := credential(c.Request)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		reqLogger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(uuid.New().String(), h.hub, conn, h.wsCfg)

	// The request context ends with this handler; the connection outlives it.
	ctx := log.WithLogger(context.Background(), reqLogger)
	ctx = log.WithConnection(ctx, client.ID)
	l := log.Ctx(ctx)

	identity, err := h.service.HandleConnect(ctx, client, token)
	if err != nil {
		code, reason := websocket.CloseInternalServerErr, "service unavailable"
		switch {
		case errors.Is(err, service.ErrAuthFailed):
			code, reason = websocket.ClosePolicyViolation, "authentication failed"
		case errors.Is(err, service.ErrShuttingDown):
			code, reason = websocket.CloseTryAgainLater, "server is shutting down"
		}
		l.Info().Err(err).Msg("websocket connection rejected")
		client.Reject(code, reason)
		return
	}

	ctx = log.WithUser(ctx, identity.UserID, identity.Username)
	l = log.Ctx(ctx)
	l.Info().Msg("websocket connection established")

	h.conns.Add(1)
	go client.WritePump()
	go client.ReadPump()
	go h.serve(ctx, client)
}

// Wait blocks until every admitted connection has been released, or ctx
// is done.
func (h *WSHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serve runs the connection's event loop and releases the session once
// the connection is gone.
func (h *WSHandler) serve(ctx context.Context, client *hub.Client) {
	defer h.conns.Done()
	client.Process(ctx, h.handleMessage)

	if err := h.service.HandleDisconnect(ctx, client); err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to release connection")
	}
	l := log.Ctx(ctx)
	l.Info().Msg("websocket connection closed")
}

func (h *WSHandler) handleMessage(ctx context.Context, client *hub.Client, message []byte) {
	var base domain.BaseMessage
	if err := json.Unmarshal(message, &base); err != nil {
		client.SendMessage(domain.NewErrorEvent("Invalid message format"))
		return
	}

	l := log.Ctx(ctx)
	var err error

	switch base.Type {
	case domain.MsgTypeSendMessage:
		var msg domain.SendMessageRequest
		if !h.decode(client, message, &msg) {
			return
		}
		_, err = h.service.HandleSendMessage(ctx, client, msg.Content, msg.RoomID)

	case domain.MsgTypeTyping:
		var msg domain.TypingRequest
		if !h.decode(client, message, &msg) {
			return
		}
		err = h.service.HandleTyping(ctx, client, msg.IsTyping, msg.RoomID)

	case domain.MsgTypeJoinRoom:
		var msg domain.RoomRequest
		if !h.decode(client, message, &msg) {
			return
		}
		err = h.service.HandleJoinRoom(ctx, client, msg.RoomID)

	case domain.MsgTypeLeaveRoom:
		var msg domain.RoomRequest
		if !h.decode(client, message, &msg) {
			return
		}
		err = h.service.HandleLeaveRoom(ctx, client, msg.RoomID)

	case domain.MsgTypeCreateRoom:
		var msg domain.CreateRoomRequest
		if !h.decode(client, message, &msg) {
			return
		}
		_, err = h.service.HandleCreateRoom(ctx, client, msg.Name, msg.Description, msg.IsPrivate)

	case domain.MsgTypePing:
		client.SendMessage(domain.NewEvent(domain.EventPong, nil))

	default:
		client.SendMessage(domain.NewErrorEvent("Unknown message type"))
		return
	}

	if err != nil {
		l.Debug().Err(err).Str(log.FieldEventType, base.Type).Msg("client message rejected")
	}
}

// decode unmarshals and validates a client frame, reporting failures to
// the client. It returns false when the frame must be dropped.
func (h *WSHandler) decode(client *hub.Client, message []byte, dst interface{}) bool {
	if err := json.Unmarshal(message, dst); err != nil {
		client.SendMessage(domain.NewErrorEvent("Invalid message format"))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		client.SendMessage(domain.NewErrorEvent(validationMessage(err)))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return "Invalid message"
	}
	fe := errs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s is invalid", fe.Field())
}
