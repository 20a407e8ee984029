package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/route.report/internal/telemetry"
)

// StartAudit inserts rec with status processing.
func (db *DB) StartAudit(ctx context.Context, rec telemetry.ProcessingAuditRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO processing_audit (
			audit_id, session_id, processing_type, version, status, started_at_unix_ms
		) VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SessionID, rec.ProcessingType, rec.Version, string(telemetry.AuditProcessing), rec.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to start audit for session %s: %w", rec.SessionID, err)
	}
	return nil
}

// FinishAudit moves a processing audit record to its final status. Records
// already finalised are left untouched.
func (db *DB) FinishAudit(ctx context.Context, auditID string, status telemetry.AuditStatus, finishedAt time.Time, details, errorMessage string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE processing_audit
		SET status = ?, finished_at_unix_ms = ?, details = ?, error_message = ?
		WHERE audit_id = ? AND status = ?
	`, string(status), finishedAt.UnixMilli(), nullIfEmpty(details), nullIfEmpty(errorMessage),
		auditID, string(telemetry.AuditProcessing))
	if err != nil {
		return fmt.Errorf("failed to finish audit %s: %w", auditID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("audit %s: %w", auditID, ErrNotFound)
	}
	return nil
}

// ListAudits returns a session's audit records, newest first.
func (db *DB) ListAudits(ctx context.Context, sessionID string) ([]telemetry.ProcessingAuditRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT audit_id, session_id, processing_type, version, status,
		       started_at_unix_ms, finished_at_unix_ms, details, error_message
		FROM processing_audit
		WHERE session_id = ?
		ORDER BY started_at_unix_ms DESC, rowid DESC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audits: %w", err)
	}
	defer rows.Close()

	out := []telemetry.ProcessingAuditRecord{}
	for rows.Next() {
		var (
			rec               telemetry.ProcessingAuditRecord
			status            string
			started           int64
			finished          sql.NullInt64
			details, errorMsg sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.ProcessingType, &rec.Version, &status,
			&started, &finished, &details, &errorMsg); err != nil {
			return nil, err
		}
		rec.Status = telemetry.AuditStatus(status)
		rec.StartedAt = msToTime(started)
		if finished.Valid {
			t := msToTime(finished.Int64)
			rec.FinishedAt = &t
		}
		rec.Details = details.String
		rec.ErrorMessage = errorMsg.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
