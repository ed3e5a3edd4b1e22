package kv

import (
	"context"

	kerrors "github.com/keelmcp/keel/internal/errors"
)

// watchBuffer bounds how many undelivered notifications one watch can hold.
// A slow consumer loses intermediate states, never the registration.
const watchBuffer = 32

// Watch opens a change stream for one key. The current entry is emitted
// immediately (a snapshot, present or not), followed by every committed
// change. The returned cancel func unregisters the watch and closes the
// channel; it is safe to call more than once.
func (s *Store) Watch(ctx context.Context, key string) (<-chan Entry, func(), error) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return nil, nil, kerrors.ErrStoreClosed
	}

	// Snapshot and registration happen under the same lock notify takes, so
	// no committed change can land between the two: everything up to the
	// snapshot is in the snapshot, everything after is a delivery. The
	// channel is fresh, so the buffered snapshot send cannot block.
	snapshot, err := s.getEntry(ctx, key)
	if err != nil {
		s.mu.Unlock()

		return nil, nil, err
	}

	ch := make(chan Entry, watchBuffer)
	ch <- snapshot

	id := s.nextID
	s.nextID++

	if s.watches[key] == nil {
		s.watches[key] = make(map[int]chan Entry, 2)
	}

	s.watches[key][id] = ch

	s.mu.Unlock()

	cancel := func() { s.removeWatch(key, id) }

	return ch, cancel, nil
}

func (s *Store) removeWatch(key string, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chans, ok := s.watches[key]
	if !ok {
		return
	}

	ch, ok := chans[id]
	if !ok {
		return
	}

	delete(chans, id)

	if len(chans) == 0 {
		delete(s.watches, key)
	}

	close(ch)
}

// notify fans a committed entry out to every watch on its key.
func (s *Store) notify(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.watches[entry.Key] {
		select {
		case ch <- entry:
		default:
			s.log.Warn("watch buffer full, dropping notification", "key", entry.Key)
		}
	}
}
