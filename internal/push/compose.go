// Package push composes the notifications sent to the partner after a new record.
package push

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/nous/internal/couple"
	"github.com/MarcoPoloResearchLab/nous/internal/remote"
)

const (
	notePreviewLength = 100
	// frenchDateTime renders like the fr-FR locale: 15/10/2026 19:30:00.
	frenchDateTime = "02/01/2006 15:04:05"
)

// Composer renders notifications in the app's language.
type Composer struct {
	location *time.Location
}

// NewComposer constructs a Composer rendering times in location; nil uses UTC.
func NewComposer(location *time.Location) *Composer {
	if location == nil {
		location = time.UTC
	}
	return &Composer{location: location}
}

// Compose builds the notification announcing row, a record of collection encoded as JSON. Missing
// or undecodable fields fall back to generic wording.
func (c *Composer) Compose(collection couple.Collection, row json.RawMessage) remote.Notification {
	switch collection {
	case couple.CollectionBucketItems:
		var item couple.BucketItem
		_ = json.Unmarshal(row, &item)
		return c.bucketItem(item)
	case couple.CollectionEvents:
		var event couple.Event
		_ = json.Unmarshal(row, &event)
		return c.event(event)
	default:
		var note couple.Note
		_ = json.Unmarshal(row, &note)
		return c.note(note)
	}
}

func (c *Composer) note(note couple.Note) remote.Notification {
	body := "Tu as reçu un message !"
	if preview := strings.TrimSpace(note.Content); preview != "" {
		body = truncate(preview, notePreviewLength)
	}
	return remote.Notification{Title: "Nouveau mot doux", Body: body, URL: "/notes"}
}

func (c *Composer) bucketItem(item couple.BucketItem) remote.Notification {
	body := "Une nouvelle idée a été ajoutée à votre bucket list !"
	if title := strings.TrimSpace(item.Title); title != "" {
		body = fmt.Sprintf("%s vient d’être ajoutée à votre bucket list !", title)
	}
	return remote.Notification{Title: "Nouvelle idée ajoutée", Body: body, URL: "/bucket"}
}

func (c *Composer) event(event couple.Event) remote.Notification {
	when := ""
	if !event.StartsAt.IsZero() {
		when = event.StartsAt.In(c.location).Format(frenchDateTime)
	}
	title := strings.TrimSpace(event.Title)
	var body string
	switch {
	case title != "" && when != "":
		body = title + " · " + when
	case title != "":
		body = title
	case when != "":
		body = when
	default:
		body = "Un évènement a été planifié"
	}
	return remote.Notification{Title: "Nouvel évènement", Body: body, URL: "/calendar"}
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
