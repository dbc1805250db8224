package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmareth/tradewind/internal/domain"
)

// GetWeights returns the current ensemble weight snapshot, or
// (nil, nil) when none has been saved yet (caller seeds defaults).
func (s *Store) GetWeights() (*domain.WeightSnapshot, error) {
	var snapshot string
	var updatedAt int64
	err := s.db.QueryRow(`SELECT snapshot, updated_at FROM ensemble_weights WHERE id = 1`).
		Scan(&snapshot, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ensemble weights: %w", err)
	}

	var w domain.WeightSnapshot
	if err := json.Unmarshal([]byte(snapshot), &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weight snapshot: %w", err)
	}
	w.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &w, nil
}

// SaveWeights replaces the current weight snapshot (singleton row).
func (s *Store) SaveWeights(w domain.WeightSnapshot) error {
	now := time.Now()
	w.UpdatedAt = now

	snapshot, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal weight snapshot: %w", err)
	}

	query := `
		INSERT INTO ensemble_weights (id, snapshot, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at
	`
	if _, err := s.db.Exec(query, string(snapshot), now.Unix()); err != nil {
		return fmt.Errorf("failed to save ensemble weights: %w", err)
	}
	return nil
}

// AppendWeightHistory records a weight snapshot with its reason.
// The history table is append-only.
func (s *Store) AppendWeightHistory(entry domain.WeightHistoryEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	snapshot, err := json.Marshal(entry.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal weight history snapshot: %w", err)
	}

	query := `INSERT INTO weight_history (snapshot, reason, created_at) VALUES (?, ?, ?)`
	if _, err := s.db.Exec(query, string(snapshot), entry.Reason, ts.Unix()); err != nil {
		return fmt.Errorf("failed to append weight history: %w", err)
	}
	return nil
}

// GetWeightHistory returns past weight snapshots, newest first.
func (s *Store) GetWeightHistory(limit int) ([]domain.WeightHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT snapshot, reason, created_at FROM weight_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query weight history: %w", err)
	}
	defer rows.Close()

	var entries []domain.WeightHistoryEntry
	for rows.Next() {
		var snapshot, reason string
		var createdAt int64
		if err := rows.Scan(&snapshot, &reason, &createdAt); err != nil {
			return nil, err
		}
		var entry domain.WeightHistoryEntry
		if err := json.Unmarshal([]byte(snapshot), &entry.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal weight history snapshot: %w", err)
		}
		entry.Reason = reason
		entry.Timestamp = time.Unix(createdAt, 0).UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
