package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/CedarLaneLabs/ChatterMill/internal/models"
)

// encodeContext serializes the ordered context bag for a nullable column.
func encodeContext(ctx *models.Context) (interface{}, error) {
	if ctx == nil || ctx.Len() == 0 {
		return nil, nil
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to encode context: %w", err)
	}
	return string(data), nil
}

// scanPendingMessage scans a PendingMessage from sql.Rows.
func scanPendingMessage(rows *sql.Rows) (PendingMessage, error) {
	var m PendingMessage
	var lockedAt sql.NullTime
	var lastError sql.NullString
	err := rows.Scan(
		&m.ID, &m.ContactID, &m.PayloadJSON, &m.Status, &m.Attempts,
		&lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan pending message failed: %w", err)
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	m.LastError = lastError.String
	return m, nil
}
