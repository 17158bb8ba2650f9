package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"jorbline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Filter values accepted by ListJorbs.
const (
	FilterOpen   = "open"
	FilterClosed = "closed"
	FilterAll    = "all"
)

const jorbColumns = `id,name,status,plan,contacts_json,progress_summary,awaiting,paused_reason,needs_approval_for,
messages_in,messages_out,oracle_calls,tokens_used,estimated_cost,context_resets,outcome_json,context_from_seq,
last_checkpoint_at,last_activity_at,created_at,updated_at`

func scanJorb(row scanner) (domain.Jorb, error) {
	var j domain.Jorb
	var contacts string
	var outcome, checkpointAt sql.NullString
	err := row.Scan(&j.ID, &j.Name, &j.Status, &j.Plan, &contacts, &j.ProgressSummary, &j.Awaiting, &j.PausedReason, &j.NeedsApprovalFor,
		&j.Metrics.MessagesIn, &j.Metrics.MessagesOut, &j.Metrics.OracleCalls, &j.Metrics.TokensUsed, &j.Metrics.EstimatedCost, &j.Metrics.ContextResets,
		&outcome, &j.ContextFromSeq, &checkpointAt, &j.LastActivityAt, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if err := json.Unmarshal([]byte(contacts), &j.Contacts); err != nil {
		return j, fmt.Errorf("decode contacts for %s: %w", j.ID, err)
	}
	if j.Contacts == nil {
		j.Contacts = []domain.Contact{}
	}
	if outcome.Valid && outcome.String != "" {
		var o domain.Outcome
		if err := json.Unmarshal([]byte(outcome.String), &o); err != nil {
			return j, fmt.Errorf("decode outcome for %s: %w", j.ID, err)
		}
		j.Outcome = &o
	}
	if checkpointAt.Valid {
		j.LastCheckpointAt = checkpointAt.String
	}
	return j, nil
}

func jorbArgs(j domain.Jorb) ([]any, error) {
	contacts := j.Contacts
	if contacts == nil {
		contacts = []domain.Contact{}
	}
	cj, err := json.Marshal(contacts)
	if err != nil {
		return nil, err
	}
	var outcome any
	if j.Outcome != nil {
		oj, err := json.Marshal(j.Outcome)
		if err != nil {
			return nil, err
		}
		outcome = string(oj)
	}
	return []any{j.Name, j.Status, j.Plan, string(cj), j.ProgressSummary, j.Awaiting, j.PausedReason, j.NeedsApprovalFor,
		j.Metrics.MessagesIn, j.Metrics.MessagesOut, j.Metrics.OracleCalls, j.Metrics.TokensUsed, j.Metrics.EstimatedCost, j.Metrics.ContextResets,
		outcome, j.ContextFromSeq, nullable(j.LastCheckpointAt), j.LastActivityAt, j.CreatedAt, j.UpdatedAt}, nil
}

func (r Repo) InsertJorb(ctx context.Context, tx *sql.Tx, j domain.Jorb) error {
	args, err := jorbArgs(j)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO jorbs(name,status,plan,contacts_json,progress_summary,awaiting,paused_reason,needs_approval_for,
messages_in,messages_out,oracle_calls,tokens_used,estimated_cost,context_resets,outcome_json,context_from_seq,
last_checkpoint_at,last_activity_at,created_at,updated_at,id) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		append(args, j.ID)...)
	return err
}

func (r Repo) UpdateJorb(ctx context.Context, tx *sql.Tx, j domain.Jorb) error {
	args, err := jorbArgs(j)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE jorbs SET name=?, status=?, plan=?, contacts_json=?, progress_summary=?, awaiting=?, paused_reason=?, needs_approval_for=?,
messages_in=?, messages_out=?, oracle_calls=?, tokens_used=?, estimated_cost=?, context_resets=?, outcome_json=?, context_from_seq=?,
last_checkpoint_at=?, last_activity_at=?, created_at=?, updated_at=? WHERE id=?`, append(args, j.ID)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetJorb(ctx context.Context, id string) (domain.Jorb, error) {
	return getJorb(ctx, r.DB, id)
}

func (r Repo) GetJorbTx(ctx context.Context, tx *sql.Tx, id string) (domain.Jorb, error) {
	return getJorb(ctx, tx, id)
}

func getJorb(ctx context.Context, q querier, id string) (domain.Jorb, error) {
	return scanJorb(q.QueryRowContext(ctx, `SELECT `+jorbColumns+` FROM jorbs WHERE id=?`, id))
}

func statusesFor(filter string) ([]string, error) {
	switch filter {
	case "", FilterOpen:
		return []string{domain.StatusPlanning, domain.StatusRunning, domain.StatusPaused}, nil
	case FilterClosed:
		return []string{domain.StatusComplete, domain.StatusFailed, domain.StatusCancelled}, nil
	case FilterAll:
		return nil, nil
	}
	return nil, fmt.Errorf("invalid filter %q (want open, closed or all)", filter)
}

// ListJorbs returns jorbs matching filter, most recently updated first.
func (r Repo) ListJorbs(ctx context.Context, filter string) ([]domain.Jorb, error) {
	statuses, err := statusesFor(filter)
	if err != nil {
		return nil, err
	}
	return r.listJorbsByStatus(ctx, statuses...)
}

// ListJorbsByStatus returns jorbs in any of statuses; none means every jorb.
func (r Repo) ListJorbsByStatus(ctx context.Context, statuses ...string) ([]domain.Jorb, error) {
	return r.listJorbsByStatus(ctx, statuses...)
}

func (r Repo) listJorbsByStatus(ctx context.Context, statuses ...string) ([]domain.Jorb, error) {
	query := `SELECT ` + jorbColumns + ` FROM jorbs`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",") + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY updated_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Jorb
	for rows.Next() {
		j, err := scanJorb(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

const planSummaryLen = 280

// OpenJorbSummaries returns the routing view of every non-terminal jorb.
func (r Repo) OpenJorbSummaries(ctx context.Context) ([]domain.JorbSummary, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT j.id, j.name, j.status, j.plan, j.contacts_json, j.awaiting, j.last_activity_at,
COALESCE((SELECT m.id FROM jorb_messages m WHERE m.jorb_id=j.id AND m.direction='outbound' ORDER BY m.seq DESC LIMIT 1),'')
FROM jorbs j WHERE j.status IN ('planning','running','paused') ORDER BY j.last_activity_at DESC, j.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JorbSummary
	for rows.Next() {
		var s domain.JorbSummary
		var plan, contacts string
		if err := rows.Scan(&s.ID, &s.Name, &s.Status, &plan, &contacts, &s.Awaiting, &s.LastActivityAt, &s.LastOutboundID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(contacts), &s.Contacts); err != nil {
			return nil, fmt.Errorf("decode contacts for %s: %w", s.ID, err)
		}
		s.PlanSummary = truncate(plan, planSummaryLen)
		res = append(res, s)
	}
	return res, rows.Err()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
