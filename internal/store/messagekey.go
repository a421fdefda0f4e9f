package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveMessageKey records the symmetric key used for a message. The first
// write for a (chat, message) pair wins; later writes are ignored so a
// redelivered message cannot rotate the key out from under stored
// ciphertext.
func (s *Store) SaveMessageKey(chatID, messageID string, key []byte) error {
	_, err := s.exec(
		"INSERT OR IGNORE INTO message_key (chat_id, message_id, key) VALUES (?, ?, ?)",
		chatID, messageID, key,
	)
	if err != nil {
		return fmt.Errorf("store: save message key: %w", err)
	}
	return nil
}

// MessageKey returns the stored key for a message, or nil if none was
// recorded.
func (s *Store) MessageKey(chatID, messageID string) ([]byte, error) {
	var key []byte
	err := s.db.QueryRow(
		"SELECT key FROM message_key WHERE chat_id = ? AND message_id = ?",
		chatID, messageID,
	).Scan(&key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: message key: %w", err)
	}
	return key, nil
}
