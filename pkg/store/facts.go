package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/anchapin/cifixd/pkg/models"
)

// InsertErrorFact persists the iteration-0 diagnosis summary for a run.
// The generated id is written back into fact.ID.
func (s *Store) InsertErrorFact(ctx context.Context, fact *models.ErrorFact) error {
	if fact.ID == "" {
		fact.ID = uuid.NewString()
	}
	notes, err := json.Marshal(fact.Notes)
	if err != nil {
		return fmt.Errorf("marshal error fact notes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO error_facts (id, run_id, summary, file_path, fix_action, notes)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)`,
		fact.ID, fact.RunID, fact.Summary, fact.FilePath, fact.FixAction, notes)
	return mapError("insert error fact", err)
}

// ListErrorFacts returns a run's facts in insertion order.
func (s *Store) ListErrorFacts(ctx context.Context, runID string) ([]*models.ErrorFact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, summary, COALESCE(file_path, ''), fix_action, notes, created_at
		FROM error_facts WHERE run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, mapError("list error facts", err)
	}
	defer rows.Close()

	var facts []*models.ErrorFact
	for rows.Next() {
		var (
			fact  models.ErrorFact
			notes []byte
		)
		if err := rows.Scan(&fact.ID, &fact.RunID, &fact.Summary, &fact.FilePath,
			&fact.FixAction, &notes, &fact.CreatedAt); err != nil {
			return nil, mapError("scan error fact", err)
		}
		// Unknown note fields are ignored by design of the schema types.
		if len(notes) > 0 {
			_ = json.Unmarshal(notes, &fact.Notes)
		}
		facts = append(facts, &fact)
	}
	return facts, rows.Err()
}

// InsertFileModification records one file write performed by execution.
func (s *Store) InsertFileModification(ctx context.Context, mod *models.FileModification) error {
	if mod.ID == "" {
		mod.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_modifications (id, run_id, path, before_hash, after_hash)
		VALUES ($1, $2, $3, $4, $5)`,
		mod.ID, mod.RunID, mod.Path, mod.BeforeHash, mod.AfterHash)
	return mapError("insert file modification", err)
}

// ListFileModifications returns a run's file writes in insertion order.
func (s *Store) ListFileModifications(ctx context.Context, runID string) ([]*models.FileModification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, path, before_hash, after_hash, created_at
		FROM file_modifications WHERE run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, mapError("list file modifications", err)
	}
	defer rows.Close()

	var mods []*models.FileModification
	for rows.Next() {
		var mod models.FileModification
		if err := rows.Scan(&mod.ID, &mod.RunID, &mod.Path, &mod.BeforeHash,
			&mod.AfterHash, &mod.CreatedAt); err != nil {
			return nil, mapError("scan file modification", err)
		}
		mods = append(mods, &mod)
	}
	return mods, rows.Err()
}
