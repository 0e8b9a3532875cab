package rowcrypt

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atp-network/atp-router/internal/domain"
	"github.com/atp-network/atp-router/internal/infra/observability"
)

// EncryptedRow is a row sealed under its own DEK. The tenant stamped at
// encryption time is the sole authorized reader.
type EncryptedRow struct {
	RowID         string    `json:"row_id"`
	TenantID      string    `json:"tenant_id"`
	KeyVersion    string    `json:"key_version"`
	WrappedDEKHex string    `json:"wrapped_dek_hex"`
	EncryptedData string    `json:"encrypted_data_json_blob"`
	CreatedAt     time.Time `json:"created_at"`
}

// blob is the JSON-encoded ciphertext envelope stored in EncryptedData.
type blob struct {
	NonceHex      string `json:"nonce_hex"`
	CiphertextHex string `json:"ciphertext_hex"`
}

// NewRowID mints a fresh row identifier.
func NewRowID() string { return uuid.NewString() }

// ─── Row Encryption ─────────────────────────────────────────────────────────

// RowEncryption seals and opens rows with per-row DEKs wrapped by KMS.
type RowEncryption struct {
	kms        KMS
	keyVersion string
	now        func() time.Time
}

// NewRowEncryption creates a row encryptor bound to a key version.
func NewRowEncryption(kms KMS, keyVersion string) *RowEncryption {
	if keyVersion == "" {
		keyVersion = "v1"
	}
	return &RowEncryption{kms: kms, keyVersion: keyVersion, now: time.Now}
}

// KeyVersion returns the key version new rows are sealed under.
func (e *RowEncryption) KeyVersion() string { return e.keyVersion }

// EncryptRow seals data under a fresh DEK for the tenant.
func (e *RowEncryption) EncryptRow(rowID string, data map[string]any, tenantID string, aad []byte) (*EncryptedRow, error) {
	start := e.now()

	_, wrapped, err := e.kms.GenerateDataKey()
	if err != nil {
		recordOp("encrypt_row", start, false, tenantID, 1, "kms")
		return nil, fmt.Errorf("%w: generate data key: %v", domain.ErrTransientStore, err)
	}

	plaintext, err := json.Marshal(data)
	if err != nil {
		recordOp("encrypt_row", start, false, tenantID, 1, "serialization")
		return nil, err
	}
	nonce, ciphertext, err := e.kms.Encrypt(wrapped, plaintext, aad)
	if err != nil {
		recordOp("encrypt_row", start, false, tenantID, 1, "encrypt")
		return nil, err
	}
	encoded, err := json.Marshal(blob{
		NonceHex:      hex.EncodeToString(nonce),
		CiphertextHex: hex.EncodeToString(ciphertext),
	})
	if err != nil {
		recordOp("encrypt_row", start, false, tenantID, 1, "serialization")
		return nil, err
	}

	row := &EncryptedRow{
		RowID:         rowID,
		TenantID:      tenantID,
		KeyVersion:    e.keyVersion,
		WrappedDEKHex: hex.EncodeToString(wrapped),
		EncryptedData: string(encoded),
		CreatedAt:     e.now(),
	}
	recordOp("encrypt_row", start, true, tenantID, 1, "")
	return row, nil
}

// DecryptRow opens a row for the tenant. A tenant mismatch fails with
// access denied before any DEK operation.
func (e *RowEncryption) DecryptRow(row *EncryptedRow, tenantID string, aad []byte) (map[string]any, error) {
	start := e.now()

	if row.TenantID != tenantID {
		recordOp("decrypt_row", start, false, tenantID, 1, "authorization")
		return nil, fmt.Errorf("%w: tenant %s cannot access data for tenant %s",
			domain.ErrAccessDenied, tenantID, row.TenantID)
	}

	wrapped, err := hex.DecodeString(row.WrappedDEKHex)
	if err != nil {
		recordOp("decrypt_row", start, false, tenantID, 1, "corrupt")
		return nil, fmt.Errorf("corrupt wrapped DEK: %w", err)
	}
	var b blob
	if err := json.Unmarshal([]byte(row.EncryptedData), &b); err != nil {
		recordOp("decrypt_row", start, false, tenantID, 1, "corrupt")
		return nil, fmt.Errorf("corrupt encrypted blob: %w", err)
	}
	nonce, err := hex.DecodeString(b.NonceHex)
	if err != nil {
		recordOp("decrypt_row", start, false, tenantID, 1, "corrupt")
		return nil, err
	}
	ciphertext, err := hex.DecodeString(b.CiphertextHex)
	if err != nil {
		recordOp("decrypt_row", start, false, tenantID, 1, "corrupt")
		return nil, err
	}

	plaintext, err := e.kms.Decrypt(wrapped, nonce, ciphertext, aad)
	if err != nil {
		recordOp("decrypt_row", start, false, tenantID, 1, "decrypt")
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(plaintext, &data); err != nil {
		recordOp("decrypt_row", start, false, tenantID, 1, "corrupt")
		return nil, err
	}
	recordOp("decrypt_row", start, true, tenantID, 1, "")
	return data, nil
}

// ReEncryptRow rotates a row into a new key version by decrypting and
// re-sealing under an encryptor bound to that version.
func (e *RowEncryption) ReEncryptRow(row *EncryptedRow, newKeyVersion, tenantID string, aad []byte) (*EncryptedRow, error) {
	data, err := e.DecryptRow(row, tenantID, aad)
	if err != nil {
		return nil, err
	}
	rotated := NewRowEncryption(e.kms, newKeyVersion)
	rotated.now = e.now
	out, err := rotated.EncryptRow(row.RowID, data, tenantID, aad)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ─── Metrics ────────────────────────────────────────────────────────────────

func recordOp(op string, start time.Time, success bool, tenantID string, rows int, errorType string) {
	status := "success"
	if !success {
		status = "failure"
	}
	observability.RowEncryptionOps.WithLabelValues(op, tenantID, status, errorType).Inc()
	observability.RowEncryptionDuration.WithLabelValues(op, tenantID).Observe(time.Since(start).Seconds())
	observability.RowsProcessed.WithLabelValues(op, tenantID).Add(float64(rows))
}
