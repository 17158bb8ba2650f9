package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"jorbline/internal/domain"
)

// Event types written by the engine and its collaborators.
const (
	JorbCreated     = "jorb.created"
	JorbStarted     = "jorb.started"
	JorbPaused      = "jorb.paused"
	JorbApproved    = "jorb.approved"
	JorbCompleted   = "jorb.completed"
	JorbFailed      = "jorb.failed"
	JorbCancelled   = "jorb.cancelled"
	JorbCycle       = "jorb.cycle"
	JorbCheckpoint  = "jorb.checkpoint"
	MessageInbound  = "message.inbound"
	MessageOutbound = "message.outbound"
	InboundUnrouted = "inbound.unrouted"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an audit event inside tx so it commits with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		domain.Timestamp(w.Now()), evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
