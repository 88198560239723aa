package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/nous/internal/couple"
	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

func newTestClient(t *testing.T, handler http.Handler, onNotification func(Notification)) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{BaseURL: server.URL + "/", Token: "secret", OnNotification: onNotification})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

func TestNewClientValidatesConfig(t *testing.T) {
	if _, err := NewClient(ClientConfig{Token: "secret"}); !errors.Is(err, errMissingBaseURL) {
		t.Fatalf("expected missing base url, got %v", err)
	}
	if _, err := NewClient(ClientConfig{BaseURL: "http://localhost"}); !errors.Is(err, errMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}

func TestInsertSendsPayloadAndDecodesItem(t *testing.T) {
	var gotPath, gotAuth, gotBody string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"item":{"id":"srv-1","content":"coucou"}}`))
	}), nil)

	row, err := client.Insert(context.Background(), couple.CollectionNotes, json.RawMessage(`{"content":"coucou"}`))
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if gotPath != "POST /collections/note" {
		t.Fatalf("unexpected request %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected authorization %q", gotAuth)
	}
	if gotBody != `{"content":"coucou"}` {
		t.Fatalf("unexpected body %q", gotBody)
	}
	if !strings.Contains(string(row), `"srv-1"`) {
		t.Fatalf("unexpected row %s", row)
	}
}

func TestResponsesAreClassified(t *testing.T) {
	testCases := []struct {
		status     int
		want       error
		permanent  bool
		connection bool
	}{
		{status: http.StatusBadRequest, want: ErrRejected, permanent: true},
		{status: http.StatusNotFound, want: ErrRejected, permanent: true},
		{status: http.StatusConflict, want: ErrRejected, permanent: true},
		{status: http.StatusTooManyRequests, want: ErrServer},
		{status: http.StatusInternalServerError, want: ErrServer},
		{status: http.StatusBadGateway, want: ErrUnavailable, connection: true},
		{status: http.StatusServiceUnavailable, want: ErrUnavailable, connection: true},
	}
	for _, testCase := range testCases {
		t.Run(http.StatusText(testCase.status), func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(testCase.status)
				_, _ = w.Write([]byte(`{"error":"some_reason"}`))
			}), nil)
			err := client.Delete(context.Background(), couple.CollectionEvents, "evt-1")
			if !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
			if !strings.Contains(err.Error(), "some_reason") {
				t.Fatalf("expected the service reason in %q", err.Error())
			}
			if IsPermanent(err) != testCase.permanent || IsConnectivity(err) != testCase.connection {
				t.Fatalf("unexpected classification for %v", err)
			}
		})
	}
}

func TestUnreachableServiceIsConnectivityFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()
	client, err := NewClient(ClientConfig{BaseURL: baseURL, Token: "secret"})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Ping(context.Background()); !IsConnectivity(err) {
		t.Fatalf("expected a connectivity failure, got %v", err)
	}
}

func TestMalformedResponseIsProtocolFailure(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":`))
	}), nil)
	if _, err := client.Query(context.Background(), couple.CollectionBucketItems); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected a protocol failure, got %v", err)
	}
}

// feedServer acknowledges subscriptions and then sends frames.
func feedServer(t *testing.T, frames []Message) http.Handler {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime" || r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var command Command
		if err := conn.ReadJSON(&command); err != nil {
			return
		}
		_ = conn.WriteJSON(Message{Type: MessageSubscribed, Collection: command.Collection})
		for _, frame := range frames {
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
}

func TestSubscribeDeliversMatchingChangesAndNotifications(t *testing.T) {
	notifications := make(chan Notification, 1)
	client := newTestClient(t, feedServer(t, []Message{
		{Type: MessageChange, Op: OpInsert, Collection: couple.CollectionEvents, Row: json.RawMessage(`{"id":"evt-1"}`)},
		{Type: MessageNotification, Notification: &Notification{Title: "Nouveau mot doux"}},
		{Type: MessageChange, Op: OpDelete, Collection: couple.CollectionNotes, Row: json.RawMessage(`{"id":"note-1"}`)},
	}), func(n Notification) { notifications <- n })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := client.Subscribe(ctx, couple.CollectionNotes)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	select {
	case event := <-events:
		if event.Op != OpDelete || event.Collection != couple.CollectionNotes {
			t.Fatalf("expected only the note change, got %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change event")
	}
	select {
	case notification := <-notifications:
		if notification.Title != "Nouveau mot doux" {
			t.Fatalf("unexpected notification %+v", notification)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a notification")
	}

	cancel()
	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected the feed to close after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the feed to close after cancellation")
	}
}

func TestDroppedFeedReleasesConnection(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var command Command
		if err := conn.ReadJSON(&command); err == nil {
			_ = conn.WriteJSON(Message{Type: MessageSubscribed, Collection: command.Collection})
		}
		conn.Close()
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := client.Subscribe(ctx, couple.CollectionNotes)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected the feed to close when the server drops it")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the feed to close when the server drops it")
	}

	released := make(chan struct{})
	go func() {
		client.feeds.Wait()
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the connection goroutines to exit while the context is still live")
	}
}

func TestSubscribeWithRetryStopsOnRejection(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}), nil)

	_, err := SubscribeWithRetry(context.Background(), client, couple.CollectionNotes, backoff.NewConstantBackOff(time.Millisecond))
	if !IsPermanent(err) {
		t.Fatalf("expected a permanent failure, got %v", err)
	}
}
