package push

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/nous/internal/couple"
)

func mustJSON(t *testing.T, value any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestComposeNotification(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Skipf("time zone data unavailable: %v", err)
	}
	composer := NewComposer(paris)
	startsAt := time.Date(2026, time.October, 15, 17, 30, 0, 0, time.UTC)

	testCases := []struct {
		name       string
		collection couple.Collection
		row        json.RawMessage
		title      string
		body       string
		url        string
	}{
		{
			name:       "note preview",
			collection: couple.CollectionNotes,
			row:        mustJSON(t, couple.Note{Content: "  Bonne journée mon cœur  "}),
			title:      "Nouveau mot doux",
			body:       "Bonne journée mon cœur",
			url:        "/notes",
		},
		{
			name:       "empty note",
			collection: couple.CollectionNotes,
			row:        mustJSON(t, couple.Note{}),
			title:      "Nouveau mot doux",
			body:       "Tu as reçu un message !",
			url:        "/notes",
		},
		{
			name:       "bucket item",
			collection: couple.CollectionBucketItems,
			row:        mustJSON(t, couple.BucketItem{Title: "Voir Venise"}),
			title:      "Nouvelle idée ajoutée",
			body:       "Voir Venise vient d’être ajoutée à votre bucket list !",
			url:        "/bucket",
		},
		{
			name:       "bucket item without title",
			collection: couple.CollectionBucketItems,
			row:        json.RawMessage(`{}`),
			title:      "Nouvelle idée ajoutée",
			body:       "Une nouvelle idée a été ajoutée à votre bucket list !",
			url:        "/bucket",
		},
		{
			name:       "event with start",
			collection: couple.CollectionEvents,
			row:        mustJSON(t, couple.Event{Title: "Restaurant", StartsAt: startsAt}),
			title:      "Nouvel évènement",
			body:       "Restaurant · 15/10/2026 19:30:00",
			url:        "/calendar",
		},
		{
			name:       "undecodable event",
			collection: couple.CollectionEvents,
			row:        json.RawMessage(`not json`),
			title:      "Nouvel évènement",
			body:       "Un évènement a été planifié",
			url:        "/calendar",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			notification := composer.Compose(testCase.collection, testCase.row)
			if notification.Title != testCase.title {
				t.Fatalf("title: got %q, want %q", notification.Title, testCase.title)
			}
			if notification.Body != testCase.body {
				t.Fatalf("body: got %q, want %q", notification.Body, testCase.body)
			}
			if notification.URL != testCase.url {
				t.Fatalf("url: got %q, want %q", notification.URL, testCase.url)
			}
		})
	}
}

func TestComposeTruncatesLongNotesByCharacter(t *testing.T) {
	content := strings.Repeat("é", 150)
	notification := NewComposer(nil).Compose(couple.CollectionNotes, mustJSON(t, couple.Note{Content: content}))
	if got := len([]rune(notification.Body)); got != notePreviewLength {
		t.Fatalf("expected %d characters, got %d", notePreviewLength, got)
	}
}
