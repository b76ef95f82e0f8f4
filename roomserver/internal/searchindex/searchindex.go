// Package searchindex implements the minimal full-text message index
// spec.md §4.8 step 9 hands m.room.message bodies to ("index body in the
// search index"). Built on bleve's in-memory index since this core has no
// on-disk search store of its own and spec.md doesn't require the index to
// survive a restart, only that messages are searchable and that a
// maintenance rebuild ("re-index search") is available.
package searchindex

import (
	"encoding/json"
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/matrix-org/gomatrixserverlib"
)

type messageDoc struct {
	RoomID string `json:"room_id"`
	Sender string `json:"sender"`
	Body   string `json:"body"`
}

// Index is the per-server full-text message index.
type Index struct {
	bleve bleve.Index
}

// New builds an empty in-memory index.
func New() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("searchindex: %w", err)
	}
	return &Index{bleve: idx}, nil
}

// IndexMessage indexes one m.room.message event's body, keyed by event_id.
// Non-message content (empty/missing body) is a no-op, not an error.
func (i *Index) IndexMessage(ev *gomatrixserverlib.HeaderedEvent) error {
	event := ev.Unwrap()
	var content struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(event.Content(), &content); err != nil || content.Body == "" {
		return nil
	}
	doc := messageDoc{RoomID: event.RoomID(), Sender: string(event.Sender()), Body: content.Body}
	if err := i.bleve.Index(event.EventID(), doc); err != nil {
		return fmt.Errorf("searchindex: indexing %s: %w", event.EventID(), err)
	}
	return nil
}

// Delete removes an event from the index, e.g. once it has been redacted.
func (i *Index) Delete(eventID string) error {
	if err := i.bleve.Delete(eventID); err != nil {
		return fmt.Errorf("searchindex: deleting %s: %w", eventID, err)
	}
	return nil
}

// Result is one search hit, most relevant first.
type Result struct {
	EventID string
	Score   float64
}

// Search runs a full-text query over roomID's indexed message bodies,
// corresponding to the client-facing /search endpoint's search_categories
// (out of this core's scope; Search is the mechanism a caller builds that
// endpoint on top of).
func (i *Index) Search(roomID, queryText string, limit int) ([]Result, error) {
	bodyQuery := bleve.NewMatchQuery(queryText)
	bodyQuery.SetField("body")
	roomQuery := bleve.NewMatchQuery(roomID)
	roomQuery.SetField("room_id")

	req := bleve.NewSearchRequest(bleve.NewConjunctionQuery(bodyQuery, roomQuery))
	req.Size = limit
	res, err := i.bleve.Search(req)
	if err != nil {
		return nil, fmt.Errorf("searchindex: search: %w", err)
	}
	out := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		out = append(out, Result{EventID: hit.ID, Score: hit.Score})
	}
	return out, nil
}

// Reindex implements the "re-index search" maintenance operation: clear and
// rebuild the index from a caller-supplied event set (e.g. every
// m.room.message event eventstore still holds), for when the index is lost
// or its schema changes.
func (i *Index) Reindex(events []*gomatrixserverlib.HeaderedEvent) error {
	fresh, err := New()
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := fresh.IndexMessage(ev); err != nil {
			return err
		}
	}
	if err := i.bleve.Close(); err != nil {
		return fmt.Errorf("searchindex: closing old index: %w", err)
	}
	i.bleve = fresh.bleve
	return nil
}

// Close releases the underlying bleve index.
func (i *Index) Close() error {
	return i.bleve.Close()
}
