package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/nous/internal/couple"
	"github.com/MarcoPoloResearchLab/nous/internal/remote"
)

func changeMessage(coupleID string) RealtimeMessage {
	return RealtimeMessage{
		CoupleID: coupleID,
		Payload: remote.Message{
			Type:       remote.MessageChange,
			Op:         remote.OpInsert,
			Collection: couple.CollectionNotes,
			Row:        []byte(`{"id":"note-a"}`),
		},
	}
}

func TestRealtimeDispatcherPublishesToCoupleMembers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aliceStream, aliceCleanup := dispatcher.Subscribe(ctx, "couple-1", "alice")
	defer aliceCleanup()
	bobStream, bobCleanup := dispatcher.Subscribe(ctx, "couple-1", "bob")
	defer bobCleanup()

	dispatcher.Publish(changeMessage("couple-1"))

	for name, stream := range map[string]<-chan RealtimeMessage{"alice": aliceStream, "bob": bobStream} {
		select {
		case received := <-stream:
			if received.Payload.Collection != couple.CollectionNotes {
				t.Fatalf("%s: unexpected collection %s", name, received.Payload.Collection)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("%s: expected realtime message within deadline", name)
		}
	}
}

func TestRealtimeDispatcherIsolatedByCouple(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, "couple-2", "carol")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "couple-3", "dave")
	defer otherCleanup()

	dispatcher.Publish(changeMessage("couple-3"))

	select {
	case <-userStream:
		t.Fatal("did not expect realtime message for unrelated couple")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.CoupleID != "couple-3" {
			t.Fatalf("expected couple-3, received %s", msg.CoupleID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed couple")
	}
}

func TestRealtimeDispatcherHonorsRecipient(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	senderStream, senderCleanup := dispatcher.Subscribe(ctx, "couple-1", "alice")
	defer senderCleanup()
	partnerStream, partnerCleanup := dispatcher.Subscribe(ctx, "couple-1", "bob")
	defer partnerCleanup()

	dispatcher.Publish(RealtimeMessage{
		CoupleID:  "couple-1",
		Recipient: "bob",
		Payload: remote.Message{
			Type:         remote.MessageNotification,
			Notification: &remote.Notification{Title: "Nouveau mot doux"},
		},
	})

	select {
	case msg := <-partnerStream:
		if msg.Payload.Notification == nil || msg.Payload.Notification.Title != "Nouveau mot doux" {
			t.Fatalf("unexpected notification %+v", msg.Payload)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected the partner to receive the notification")
	}
	select {
	case <-senderStream:
		t.Fatal("the sender must not receive its own notification")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRealtimeDispatcherReleasesOnContextEnd(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	_, _ = dispatcher.Subscribe(ctx, "couple-1", "alice")
	cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		dispatcher.mu.RLock()
		remaining := len(dispatcher.subscribers)
		dispatcher.mu.RUnlock()
		if remaining == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the subscriber to be released after context cancellation")
}
