package store

import (
	"context"
	"fmt"
	"time"
)

// OwnedCharacterIDs returns the registered owned characters in ascending order.
func (s *Store) OwnedCharacterIDs(ctx context.Context) ([]int32, error) {
	ids := []int32{}
	if err := s.db.SelectContext(ctx, &ids, `SELECT character_id FROM kill_owned_character ORDER BY character_id`); err != nil {
		return nil, fmt.Errorf("failed to list owned characters: %w", err)
	}
	return ids, nil
}

// AddOwnedCharacter registers a character. Registering it twice is a no-op.
func (s *Store) AddOwnedCharacter(ctx context.Context, characterID int32) error {
	query := s.db.Rebind(`INSERT INTO kill_owned_character (character_id, created_at) VALUES (?, ?)
		ON CONFLICT (character_id) DO NOTHING`)

	if _, err := s.db.ExecContext(ctx, query, characterID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to add owned character %d: %w", characterID, err)
	}

	return nil
}

func (s *Store) RemoveOwnedCharacter(ctx context.Context, characterID int32) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM kill_owned_character WHERE character_id = ?`), characterID)
	if err != nil {
		return fmt.Errorf("failed to remove owned character %d: %w", characterID, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	return nil
}
