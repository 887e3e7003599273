package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"go.uber.org/multierr"
)

// PebbleStore keeps entries in an on-disk pebble database so checkpoints
// survive process restarts.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebble opens or creates a checkpoint database in dir.
func OpenPebble(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Load(_ context.Context, pipeline, stage string) (Entry, error) {
	v, closer, err := s.db.Get([]byte(key(pipeline, stage)))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	defer closer.Close()

	var e Entry
	if err := json.Unmarshal(v, &e); err != nil {
		return Entry{}, fmt.Errorf("decode checkpoint for stage '%s': %w", stage, err)
	}
	return e, nil
}

func (s *PebbleStore) Save(_ context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode checkpoint for stage '%s': %w", e.Stage, err)
	}
	return s.db.Set([]byte(key(e.Pipeline, e.Stage)), b, pebble.Sync)
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	return multierr.Append(s.db.Flush(), s.db.Close())
}
