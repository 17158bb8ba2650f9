package repo

import (
	"context"
	"database/sql"

	"jorbline/internal/domain"
)

func (r Repo) InsertCheckpoint(ctx context.Context, tx *sql.Tx, c domain.Checkpoint) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jorb_checkpoints(id,jorb_id,ts,summary,approx_tokens,through_seq) VALUES (?,?,?,?,?,?)`,
		c.ID, c.JorbID, c.Timestamp, c.Summary, c.ApproxTokens, c.ThroughSeq)
	return err
}

// ListCheckpoints returns a jorb's checkpoints oldest first.
func (r Repo) ListCheckpoints(ctx context.Context, jorbID string) ([]domain.Checkpoint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,jorb_id,ts,summary,approx_tokens,through_seq FROM jorb_checkpoints WHERE jorb_id=? ORDER BY ts ASC, id ASC`, jorbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Checkpoint{}
	for rows.Next() {
		var c domain.Checkpoint
		if err := rows.Scan(&c.ID, &c.JorbID, &c.Timestamp, &c.Summary, &c.ApproxTokens, &c.ThroughSeq); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
