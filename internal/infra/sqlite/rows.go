package sqlite

import (
	"time"

	"github.com/atp-network/atp-router/internal/infra/rowcrypt"
)

// ─── Encrypted Row Persistence ──────────────────────────────────────────────
// Implements rowcrypt.Persistence on the sqlite handle.

// SaveRow inserts or replaces an encrypted row.
func (d *DB) SaveRow(row *rowcrypt.EncryptedRow) error {
	_, err := d.db.Exec(`
		INSERT INTO encrypted_rows (row_id, tenant_id, key_version, wrapped_dek, encrypted_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(row_id) DO UPDATE SET
			tenant_id      = excluded.tenant_id,
			key_version    = excluded.key_version,
			wrapped_dek    = excluded.wrapped_dek,
			encrypted_data = excluded.encrypted_data,
			created_at     = excluded.created_at
	`, row.RowID, row.TenantID, row.KeyVersion, row.WrappedDEKHex, row.EncryptedData, row.CreatedAt.Unix())
	return err
}

// DeleteRow removes an encrypted row.
func (d *DB) DeleteRow(rowID string) error {
	_, err := d.db.Exec(`DELETE FROM encrypted_rows WHERE row_id = ?`, rowID)
	return err
}

// LoadRows returns every persisted encrypted row.
func (d *DB) LoadRows() ([]*rowcrypt.EncryptedRow, error) {
	rows, err := d.db.Query(`
		SELECT row_id, tenant_id, key_version, wrapped_dek, encrypted_data, created_at
		FROM encrypted_rows
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*rowcrypt.EncryptedRow
	for rows.Next() {
		var row rowcrypt.EncryptedRow
		var createdAt int64
		if err := rows.Scan(&row.RowID, &row.TenantID, &row.KeyVersion, &row.WrappedDEKHex, &row.EncryptedData, &createdAt); err != nil {
			return nil, err
		}
		row.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &row)
	}
	return out, rows.Err()
}
