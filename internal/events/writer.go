package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID string, payload EventPayload) error {
	return w.append(ctx, tx.ExecContext, evtType, entityKind, entityID, payload)
}

// AppendDB writes one event outside any transaction, for callers that
// only record an observation (path requests, pass summaries).
func (w Writer) AppendDB(ctx context.Context, evtType, entityKind, entityID string, payload EventPayload) error {
	return w.append(ctx, w.DB.ExecContext, evtType, entityKind, entityID, payload)
}

type execFunc func(ctx context.Context, query string, args ...any) (sql.Result, error)

func (w Writer) append(ctx context.Context, exec execFunc, evtType, entityKind, entityID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = exec(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
