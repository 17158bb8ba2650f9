package repo

import (
	"context"
	"database/sql"

	"jorbline/internal/domain"
)

const messageColumns = `id,jorb_id,seq,ts,direction,channel,COALESCE(sender,''),COALESCE(sender_name,''),COALESCE(recipient,''),content,COALESCE(reasoning,'')`

func scanMessage(row scanner) (domain.Message, error) {
	var m domain.Message
	err := row.Scan(&m.ID, &m.JorbID, &m.Seq, &m.Timestamp, &m.Direction, &m.Channel, &m.Sender, &m.SenderName, &m.Recipient, &m.Content, &m.Reasoning)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

// AppendMessage assigns the next per-jorb sequence number and stores m.
// The message log is append-only; there is no update or delete.
func (r Repo) AppendMessage(ctx context.Context, tx *sql.Tx, m domain.Message) (domain.Message, error) {
	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM jorb_messages WHERE jorb_id=?`, m.JorbID).Scan(&next); err != nil {
		return m, err
	}
	m.Seq = next
	_, err := tx.ExecContext(ctx, `INSERT INTO jorb_messages(id,jorb_id,seq,ts,direction,channel,sender,sender_name,recipient,content,reasoning) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.JorbID, m.Seq, m.Timestamp, m.Direction, m.Channel, nullable(m.Sender), nullable(m.SenderName), nullable(m.Recipient), m.Content, nullable(m.Reasoning))
	return m, err
}

// ListMessages returns messages in sequence order, paged by limit and offset.
func (r Repo) ListMessages(ctx context.Context, jorbID string, limit, offset int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return collectMessages(r.DB.QueryContext(ctx, `SELECT `+messageColumns+` FROM jorb_messages WHERE jorb_id=? ORDER BY seq ASC LIMIT ? OFFSET ?`, jorbID, limit, offset))
}

// RecentMessages returns up to limit messages with seq greater than
// afterSeq, keeping the newest and returning them oldest first.
func (r Repo) RecentMessages(ctx context.Context, jorbID string, afterSeq int64, limit int) ([]domain.Message, error) {
	return recentMessages(ctx, r.DB, jorbID, afterSeq, limit)
}

func (r Repo) RecentMessagesTx(ctx context.Context, tx *sql.Tx, jorbID string, afterSeq int64, limit int) ([]domain.Message, error) {
	return recentMessages(ctx, tx, jorbID, afterSeq, limit)
}

func recentMessages(ctx context.Context, q querier, jorbID string, afterSeq int64, limit int) ([]domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM jorb_messages WHERE jorb_id=? AND seq>? ORDER BY seq DESC`
	args := []any{jorbID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	msgs, err := collectMessages(q.QueryContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MessagesAfter returns up to limit messages with seq greater than
// afterSeq, oldest first.
func (r Repo) MessagesAfter(ctx context.Context, jorbID string, afterSeq int64, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	return collectMessages(r.DB.QueryContext(ctx, `SELECT `+messageColumns+` FROM jorb_messages WHERE jorb_id=? AND seq>? ORDER BY seq ASC LIMIT ?`, jorbID, afterSeq, limit))
}

// CountMessages returns the number of messages logged for a jorb.
func (r Repo) CountMessages(ctx context.Context, jorbID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM jorb_messages WHERE jorb_id=?`, jorbID).Scan(&n)
	return n, err
}

// MaxSeq returns the highest message sequence for a jorb, or 0.
func (r Repo) MaxSeq(ctx context.Context, jorbID string) (int64, error) {
	var seq int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM jorb_messages WHERE jorb_id=?`, jorbID).Scan(&seq)
	return seq, err
}

func collectMessages(rows *sql.Rows, err error) ([]domain.Message, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
