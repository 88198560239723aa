package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/nous/internal/couple"
	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	subscriptionBuffer = 32
	// pingWait bounds the silence tolerated between server pings.
	pingWait         = 75 * time.Second
	subscribeAckWait = 10 * time.Second
)

// Subscribe opens a realtime feed for collection. The channel closes when ctx ends or the
// connection drops; callers reconnect with SubscribeWithRetry or their own loop.
func (c *Client) Subscribe(ctx context.Context, collection couple.Collection) (<-chan ChangeEvent, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(Command{Action: CommandSubscribe, Collection: collection}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := awaitSubscribed(conn, collection); err != nil {
		conn.Close()
		return nil, err
	}

	events := make(chan ChangeEvent, subscriptionBuffer)
	dropped := make(chan struct{})
	c.feeds.Add(2)
	go func() {
		defer c.feeds.Done()
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		case <-dropped:
		}
		conn.Close()
	}()
	go func() {
		defer c.feeds.Done()
		defer close(dropped)
		c.readLoop(ctx, conn, collection, events)
	}()
	return events, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	target := *c.baseURL
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	target.Path = strings.TrimRight(target.Path, "/") + "/realtime"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, response, err := c.dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if response != nil && response.StatusCode >= http.StatusBadRequest {
			return nil, classifyStatus(response)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, collection couple.Collection, events chan<- ChangeEvent) {
	defer close(events)
	_ = conn.SetReadDeadline(time.Now().Add(pingWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pingWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})
	for {
		var message Message
		if err := conn.ReadJSON(&message); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("realtime feed dropped",
					zap.String("collection", collection.String()),
					zap.Error(err))
			}
			return
		}
		switch message.Type {
		case MessageChange:
			if message.Collection != collection {
				continue
			}
			select {
			case events <- ChangeEvent{Op: message.Op, Collection: message.Collection, Row: message.Row}:
			case <-ctx.Done():
				return
			}
		case MessageNotification:
			if message.Notification != nil && c.onNotification != nil {
				c.onNotification(*message.Notification)
			}
		}
	}
}

// awaitSubscribed blocks until the service confirms the subscription, so a refetch that follows
// cannot miss a change written in between.
func awaitSubscribed(conn *websocket.Conn, collection couple.Collection) error {
	_ = conn.SetReadDeadline(time.Now().Add(subscribeAckWait))
	for {
		var message Message
		if err := conn.ReadJSON(&message); err != nil {
			return fmt.Errorf("%w: awaiting subscription: %v", ErrUnavailable, err)
		}
		if message.Type == MessageSubscribed && message.Collection == collection {
			return nil
		}
	}
}

// SubscribeWithRetry keeps trying to open a feed with exponential backoff until it succeeds, ctx
// ends or a permanent error occurs.
func SubscribeWithRetry(ctx context.Context, service Service, collection couple.Collection, schedule backoff.BackOff) (<-chan ChangeEvent, error) {
	if schedule == nil {
		schedule = backoff.NewExponentialBackOff()
	}
	return backoff.Retry(ctx, func() (<-chan ChangeEvent, error) {
		events, err := service.Subscribe(ctx, collection)
		if err == nil {
			return events, nil
		}
		if IsPermanent(err) || errors.Is(err, context.Canceled) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}, backoff.WithBackOff(schedule), backoff.WithMaxElapsedTime(0))
}
