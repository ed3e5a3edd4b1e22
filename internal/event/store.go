// Package event implements the append-only per-stream event log that makes
// client streams resumable across disconnects.
package event

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/keelmcp/keel/internal/kv"
)

// eventPrefix is the kv partition holding event records.
const eventPrefix = "event/"

// replayPageSize bounds each scan while replaying a stream.
const replayPageSize = 100

// Sender delivers one replayed event to a reconnecting client. Delivery order
// is strict ascending event id; an error aborts the replay.
type Sender func(eventID string, message []byte) error

// Store is the append-only event log.
//
// Event ids are "<streamID>_<ulid>": the stream prefix lets replay resolve
// the owning stream from an id alone, and the ULID suffix is monotonically
// increasing, so ids of one stream sort chronologically under plain
// lexicographic comparison.
type Store struct {
	log *slog.Logger
	kv  *kv.Store
}

// NewStore creates an event store over the given kv handle.
func NewStore(log *slog.Logger, kvStore *kv.Store) *Store {
	if log == nil {
		log = slog.Default()
	}

	return &Store{
		log: log.With("component", "events"),
		kv:  kvStore,
	}
}

// Append stores message at the tail of streamID's log and returns the new
// event id. Stream ids must not contain underscore; it separates the stream
// from the suffix in composed event ids.
func (s *Store) Append(ctx context.Context, streamID string, message []byte) (string, error) {
	if streamID == "" || strings.Contains(streamID, "_") {
		return "", fmt.Errorf("invalid stream id %q", streamID)
	}

	suffix := ulid.Make().String()

	err := s.kv.Commit(ctx, kv.TxOp{
		Mutations: []kv.Mutation{{Key: eventKey(streamID, suffix), Value: message}},
	})
	if err != nil {
		return "", fmt.Errorf("append event: %w", err)
	}

	return streamID + "_" + suffix, nil
}

// ReplayAfter delivers every event of lastEventID's stream with an id
// strictly greater than lastEventID, ascending, through sender, and returns
// the owning stream id so the caller can keep appending to it.
//
// An unrecognized lastEventID returns an empty stream id and no error: the
// caller must start a fresh stream rather than resume.
func (s *Store) ReplayAfter(ctx context.Context, lastEventID string, sender Sender) (string, error) {
	streamID, suffix, ok := splitEventID(lastEventID)
	if !ok {
		return "", nil
	}

	lastKey := eventKey(streamID, suffix)

	entry, err := s.kv.Get(ctx, lastKey)
	if err != nil {
		return "", err
	}

	if !entry.Exists() {
		return "", nil
	}

	prefix := eventPrefix + streamID + "/"
	cursor := base64.RawURLEncoding.EncodeToString([]byte(lastKey))
	replayed := 0

	for {
		page, err := s.kv.List(ctx, prefix, cursor, replayPageSize)
		if err != nil {
			return "", err
		}

		for _, e := range page.Entries {
			eventID := streamID + "_" + strings.TrimPrefix(e.Key, prefix)

			if err := sender(eventID, e.Value); err != nil {
				return "", fmt.Errorf("replay %s: %w", eventID, err)
			}

			replayed++
		}

		if page.Cursor == "" {
			break
		}

		cursor = page.Cursor
	}

	s.log.Debug("stream replayed", "stream_id", streamID, "events", replayed)

	return streamID, nil
}

func eventKey(streamID, suffix string) string {
	return eventPrefix + streamID + "/" + suffix
}

// splitEventID separates a composed event id at its last underscore.
func splitEventID(eventID string) (streamID, suffix string, ok bool) {
	i := strings.LastIndex(eventID, "_")
	if i <= 0 || i == len(eventID)-1 {
		return "", "", false
	}

	return eventID[:i], eventID[i+1:], true
}
