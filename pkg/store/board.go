package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BoardDecision is a persisted deliberation: the question, every
// advisor opinion, and the synthesised verdict. Confidence and
// recommendation are denormalised out of the synthesis JSON so they
// can be listed without parsing it.
type BoardDecision struct {
	ID             string    `json:"id"`
	Question       string    `json:"question"`
	Context        string    `json:"context,omitempty"`
	OpinionsJSON   string    `json:"opinions_json"`
	SynthesisJSON  string    `json:"synthesis_json"`
	Confidence     string    `json:"confidence"`
	Recommendation string    `json:"recommendation"`
	CreatedAt      time.Time `json:"created_at"`
}

// SaveBoardDecision assigns an id and persists the decision.
func (s *Store) SaveBoardDecision(ctx context.Context, d *BoardDecision) error {
	d.ID = uuid.New().String()
	d.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO board_decisions (id, question, context, opinions_json, synthesis_json, confidence, recommendation, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Question, nullable(d.Context), d.OpinionsJSON, d.SynthesisJSON,
		d.Confidence, d.Recommendation, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save board decision: %w", err)
	}
	return nil
}

// GetBoardDecision returns nil when the id is unknown.
func (s *Store) GetBoardDecision(ctx context.Context, id string) (*BoardDecision, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, question, COALESCE(context, ''), opinions_json, synthesis_json, confidence, recommendation, created_at
		 FROM board_decisions WHERE id = ?`, id)

	d := &BoardDecision{}
	err := row.Scan(&d.ID, &d.Question, &d.Context, &d.OpinionsJSON, &d.SynthesisJSON,
		&d.Confidence, &d.Recommendation, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get board decision: %w", err)
	}
	return d, nil
}

// ListBoardDecisions returns decisions most recent first.
func (s *Store) ListBoardDecisions(ctx context.Context, limit int) ([]*BoardDecision, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, question, COALESCE(context, ''), opinions_json, synthesis_json, confidence, recommendation, created_at
		 FROM board_decisions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list board decisions: %w", err)
	}
	defer rows.Close()

	var decisions []*BoardDecision
	for rows.Next() {
		d := &BoardDecision{}
		if err := rows.Scan(&d.ID, &d.Question, &d.Context, &d.OpinionsJSON, &d.SynthesisJSON,
			&d.Confidence, &d.Recommendation, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan board decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// DeleteBoardDecision reports whether a row was removed.
func (s *Store) DeleteBoardDecision(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM board_decisions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete board decision: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
