package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/nous/internal/couple"
	"github.com/MarcoPoloResearchLab/nous/internal/remote"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	realtimePingInterval = 30 * time.Second
	realtimeWriteWait    = 10 * time.Second
	realtimeReadWait     = 2 * realtimePingInterval
)

// realtimeSession tracks the collections one connection asked for.
type realtimeSession struct {
	mu          sync.Mutex
	collections map[couple.Collection]bool
}

func (s *realtimeSession) set(collection couple.Collection, subscribed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subscribed {
		s.collections[collection] = true
		return
	}
	delete(s.collections, collection)
}

func (s *realtimeSession) wants(collection couple.Collection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collections[collection]
}

// handleRealtime upgrades to a WebSocket carrying the change feed of the caller's couple. Clients
// pick collections with subscribe commands; changes and notifications of other collections are
// filtered out, so a client holding one connection per collection sees each notification once.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	userID, scope := callerOf(c)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("realtime upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stream, release := h.realtime.Subscribe(ctx, scope.String(), userID.String())
	defer release()

	session := &realtimeSession{collections: make(map[couple.Collection]bool)}
	// Acknowledgements and relayed frames share one writer.
	acks := make(chan remote.Message, 4)
	go h.readCommands(ctx, cancel, conn, session, acks)

	ticker := time.NewTicker(realtimePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case ack := <-acks:
			if !h.writeFrame(conn, ack) {
				return
			}
		case message, ok := <-stream:
			if !ok {
				return
			}
			if !session.wants(message.Payload.Collection) {
				continue
			}
			if !h.writeFrame(conn, message.Payload) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(realtimeWriteWait)); err != nil {
				return
			}
		}
	}
}

func (h *httpHandler) readCommands(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, session *realtimeSession, acks chan<- remote.Message) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(realtimeReadWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(realtimeReadWait))
	})
	for {
		var command remote.Command
		if err := conn.ReadJSON(&command); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(realtimeReadWait))
		collection, err := couple.ParseCollection(command.Collection.String())
		if err != nil {
			h.logger.Debug("realtime command ignored", zap.String("collection", command.Collection.String()))
			continue
		}
		switch command.Action {
		case remote.CommandSubscribe:
			session.set(collection, true)
			select {
			case acks <- remote.Message{Type: remote.MessageSubscribed, Collection: collection}:
			case <-ctx.Done():
				return
			}
		case remote.CommandUnsubscribe:
			session.set(collection, false)
		}
	}
}

func (h *httpHandler) writeFrame(conn *websocket.Conn, message remote.Message) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
	if err := conn.WriteJSON(message); err != nil {
		h.logger.Debug("realtime write failed", zap.Error(err))
		return false
	}
	return true
}
