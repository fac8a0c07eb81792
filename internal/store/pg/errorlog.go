package pg

import (
	"context"
	"database/sql"
	"encoding/json"

	"botgate.io/internal/telemetry"
)

// ErrorLog stores bot error reports in bot_errors.
type ErrorLog struct {
	db *sql.DB
}

var _ telemetry.ErrorLog = (*ErrorLog)(nil)

func NewErrorLog(db *sql.DB) *ErrorLog { return &ErrorLog{db: db} }

func (s *Store) ErrorLog() *ErrorLog { return NewErrorLog(s.db) }

func (l *ErrorLog) Append(ctx context.Context, rec telemetry.ErrorRecord) error {
	meta, _ := json.Marshal(rec.Context)
	_, err := l.db.ExecContext(ctx, `
		insert into bot_errors(id, bot_id, session_id, severity, type, message, stack, context, occurred_at, created_at)
		values ($1,$2,nullif($3,''),$4,$5,$6,$7,$8,$9,$10)
	`, rec.ID, rec.BotID, rec.SessionID, string(rec.Severity), rec.Type, rec.Message, rec.Stack, meta, rec.Timestamp, rec.CreatedAt)
	return err
}

func (l *ErrorLog) Recent(ctx context.Context, botID string, n int) ([]telemetry.ErrorRecord, error) {
	if n <= 0 || n > 500 {
		n = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		select id, bot_id, coalesce(session_id,''), severity, type, message, stack, context, occurred_at, created_at
		from bot_errors where bot_id=$1
		order by created_at desc
		limit $2
	`, botID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []telemetry.ErrorRecord
	for rows.Next() {
		var (
			rec telemetry.ErrorRecord
			raw []byte
		)
		if err := rows.Scan(&rec.ID, &rec.BotID, &rec.SessionID, &rec.Severity, &rec.Type, &rec.Message,
			&rec.Stack, &raw, &rec.Timestamp, &rec.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(raw, &rec.Context)
		res = append(res, rec)
	}
	return res, rows.Err()
}
