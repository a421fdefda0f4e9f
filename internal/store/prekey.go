package store

import (
	"fmt"

	"github.com/hashbeam/secretchat/internal/ratchet"
)

// StorePreKeys persists a batch of one-time prekey records. Rows are
// never deleted once written so that CountPreKeys keeps acting as a
// high-water mark for id allocation.
func (s *Store) StorePreKeys(keys []ratchet.PreKey) error {
	for _, k := range keys {
		_, err := s.exec(
			"INSERT OR REPLACE INTO pre_key (id, record, public_key) VALUES (?, ?, ?)",
			k.ID, k.Record, k.PublicKey,
		)
		if err != nil {
			return fmt.Errorf("store: store prekey %d: %w", k.ID, err)
		}
	}
	return nil
}

// PreKeys loads every persisted prekey record.
func (s *Store) PreKeys() ([]ratchet.PreKey, error) {
	rows, err := s.db.Query("SELECT id, record, public_key FROM pre_key ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("store: load prekeys: %w", err)
	}
	defer rows.Close()

	var keys []ratchet.PreKey
	for rows.Next() {
		var k ratchet.PreKey
		if err := rows.Scan(&k.ID, &k.Record, &k.PublicKey); err != nil {
			return nil, fmt.Errorf("store: scan prekey: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// CountPreKeys returns the number of prekeys ever generated. The next
// batch starts at CountPreKeys()+1.
func (s *Store) CountPreKeys() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM pre_key").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count prekeys: %w", err)
	}
	return n, nil
}
