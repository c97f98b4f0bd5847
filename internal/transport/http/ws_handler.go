package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/skillbridge/realtime-server/internal/core"
)

// WSHandler upgrades HTTP connections and bridges them to the registry.
type WSHandler struct {
	registry   *core.Registry
	dispatcher *Dispatcher
	log        *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(registry *core.Registry, dispatcher *Dispatcher, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{registry: registry, dispatcher: dispatcher, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer ws.Close(websocket.StatusInternalError, "internal error")

	conn := h.registry.Register()
	conn.SetPinger(ws)
	defer h.registry.Unregister(conn.Handle())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, ws, conn)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, ws, conn)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != 0 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Str("conn", conn.Handle()).Msg("ws connection closed with error")
		}
	}

	ws.Close(status, reason)
}

func (h *WSHandler) readLoop(ctx context.Context, ws *websocket.Conn, conn *core.Conn) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		h.dispatcher.Dispatch(ctx, conn, data)
	}
}

// writeLoop drains the connection's outbound queue onto the socket. The
// queue channel is closed exactly once by registry cleanup, which ends the
// loop cleanly.
func (h *WSHandler) writeLoop(ctx context.Context, ws *websocket.Conn, conn *core.Conn) error {
	for {
		select {
		case frame, ok := <-conn.Outbound():
			if !ok {
				return nil
			}
			if err := wsjson.Write(ctx, ws, frame); err != nil {
				h.log.Error().Err(err).Str("conn", conn.Handle()).Msg("write ws frame")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
