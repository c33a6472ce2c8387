package httpapi

import (
	"context"
	"net/http"
	"slices"
	"time"

	"campus-calls/internal/realtime"
	"campus-calls/internal/signaling"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// frame is one websocket message pushed to a client.
type frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	frameCall         = "call"
	frameSignal       = "signal"
	frameNotification = "notification"
)

func (h Handlers) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(h.AllowedOrigins) == 0 {
				return true
			}
			return slices.Contains(h.AllowedOrigins, origin)
		},
	}
}

// CallStream pushes changes of one call and, for its parties, the signals
// addressed to them. ?replay=1 first sends signals recorded before the
// stream opened.
func (h Handlers) CallStream(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	call, ok := h.loadCall(c, "call_stream", id)
	if !ok {
		return
	}

	h.stream(c, "call_stream", func(ctx context.Context, cancel context.CancelFunc, out chan<- frame) (func(), error) {
		sub, err := h.Bus.Subscribe(ctx, realtime.CallTopic(call.ID))
		if err != nil {
			return nil, err
		}
		go forward(ctx, cancel, sub, frameCall, out)
		if !call.IsParty(id.UserID) {
			return func() { _ = sub.Close() }, nil
		}

		var opts []signaling.SubscribeOption
		if c.Query("replay") == "1" {
			opts = append(opts, signaling.WithReplay())
		}
		sig, err := h.Signals.Subscribe(ctx, call.ID, id.UserID, func(ctx context.Context, m signaling.Message) {
			push(ctx, out, frame{Type: frameSignal, Data: m})
		}, opts...)
		if err != nil {
			_ = sub.Close()
			return nil, err
		}
		return func() {
			_ = sig.Close()
			_ = sub.Close()
		}, nil
	})
}

// CallsStream is the responders' incoming-calls feed: every call record
// change, as "call" frames. Clients keep the pending queue from it.
func (h Handlers) CallsStream(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	if !id.responder() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	h.stream(c, "calls_stream", func(ctx context.Context, cancel context.CancelFunc, out chan<- frame) (func(), error) {
		sub, err := h.Bus.Subscribe(ctx, realtime.CallsTopic)
		if err != nil {
			return nil, err
		}
		go forward(ctx, cancel, sub, frameCall, out)
		return func() { _ = sub.Close() }, nil
	})
}

// NotificationStream pushes the caller's notifications.
func (h Handlers) NotificationStream(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	h.stream(c, "notification_stream", func(ctx context.Context, cancel context.CancelFunc, out chan<- frame) (func(), error) {
		sub, err := h.Bus.Subscribe(ctx, realtime.UserTopic(id.UserID))
		if err != nil {
			return nil, err
		}
		go forward(ctx, cancel, sub, frameNotification, out)
		return func() { _ = sub.Close() }, nil
	})
}

type streamSetup func(ctx context.Context, cancel context.CancelFunc, out chan<- frame) (func(), error)

// stream attaches the feeds before upgrading so nothing published after the
// handshake completes is missed, then runs the connection until either side stops.
func (h Handlers) stream(c *gin.Context, op string, setup streamSetup) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	out := make(chan frame, 64)
	cleanup, err := setup(ctx, cancel, out)
	if err != nil {
		h.fail(c, op, err)
		return
	}
	defer cleanup()

	conn, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger(c).Debug("websocket upgrade failed", "op", op, "err", err)
		return
	}
	defer conn.Close()

	log := h.logger(c).With("op", op)
	go readPump(conn, cancel)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case f := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				log.Debug("websocket write failed", "err", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames; it exists to process control frames and
// notice when the client goes away.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func forward(ctx context.Context, cancel context.CancelFunc, sub realtime.Subscription, typ string, out chan<- frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.C():
			if !ok {
				cancel()
				return
			}
			push(ctx, out, frame{Type: typ, Data: m.Data})
		}
	}
}

func push(ctx context.Context, out chan<- frame, f frame) {
	select {
	case out <- f:
	case <-ctx.Done():
	}
}
