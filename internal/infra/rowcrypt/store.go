package rowcrypt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atp-network/atp-router/internal/domain"
	"github.com/atp-network/atp-router/internal/infra/logging"
)

// Persistence is an optional durable backend for encrypted rows.
type Persistence interface {
	SaveRow(row *EncryptedRow) error
	DeleteRow(rowID string) error
	LoadRows() ([]*EncryptedRow, error)
}

// Store keeps encrypted rows with tenant-scoped access control.
// Thread-safe: a single mutex guards the row map.
type Store struct {
	mu         sync.Mutex
	encryption *RowEncryption
	rows       map[string]*EncryptedRow
	persist    Persistence
	log        logging.Logger
	now        func() time.Time
}

// StoreConfig configures a row store.
type StoreConfig struct {
	Encryption  *RowEncryption
	Persistence Persistence // nil keeps rows in memory only
	Logger      logging.Logger
	Now         func() time.Time
}

// NewStore creates a row store, loading any persisted rows.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Encryption == nil {
		return nil, fmt.Errorf("row store requires an encryption layer")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Std()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Store{
		encryption: cfg.Encryption,
		rows:       make(map[string]*EncryptedRow),
		persist:    cfg.Persistence,
		log:        cfg.Logger,
		now:        cfg.Now,
	}
	if s.persist != nil {
		rows, err := s.persist.LoadRows()
		if err != nil {
			return nil, fmt.Errorf("%w: load rows: %v", domain.ErrTransientStore, err)
		}
		for _, row := range rows {
			s.rows[row.RowID] = row
		}
	}
	return s, nil
}

// StoreRow encrypts and stores a row for the tenant.
func (s *Store) StoreRow(rowID string, data map[string]any, tenantID string, aad []byte) error {
	start := s.now()
	row, err := s.encryption.EncryptRow(rowID, data, tenantID, aad)
	if err != nil {
		recordOp("store_row", start, false, tenantID, 1, "encrypt")
		return err
	}

	s.mu.Lock()
	s.rows[rowID] = row
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.SaveRow(row); err != nil {
			recordOp("store_row", start, false, tenantID, 1, "persistence")
			return fmt.Errorf("%w: save row: %v", domain.ErrTransientStore, err)
		}
	}
	recordOp("store_row", start, true, tenantID, 1, "")
	return nil
}

// GetRow retrieves and decrypts a row for the tenant. A missing row or
// an unauthorized tenant yields (nil, nil): callers cannot distinguish
// absent data from data they may not see.
func (s *Store) GetRow(rowID, tenantID string, aad []byte) (map[string]any, error) {
	start := s.now()

	s.mu.Lock()
	row, ok := s.rows[rowID]
	s.mu.Unlock()
	if !ok {
		recordOp("get_row", start, true, tenantID, 1, "not_found")
		return nil, nil
	}

	data, err := s.encryption.DecryptRow(row, tenantID, aad)
	if err != nil {
		if errors.Is(err, domain.ErrAccessDenied) {
			recordOp("get_row", start, false, tenantID, 1, "authorization")
			return nil, nil
		}
		recordOp("get_row", start, false, tenantID, 1, "decrypt")
		return nil, err
	}
	recordOp("get_row", start, true, tenantID, 1, "")
	return data, nil
}

// ListRowIDs returns the IDs of all rows owned by the tenant.
func (s *Store) ListRowIDs(tenantID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, row := range s.rows {
		if row.TenantID == tenantID {
			out = append(out, id)
		}
	}
	return out
}

// DeleteRow removes a row if the tenant owns it.
func (s *Store) DeleteRow(rowID, tenantID string) (bool, error) {
	s.mu.Lock()
	row, ok := s.rows[rowID]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	if row.TenantID != tenantID {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: tenant %s cannot delete data for tenant %s",
			domain.ErrAccessDenied, tenantID, row.TenantID)
	}
	delete(s.rows, rowID)
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.DeleteRow(rowID); err != nil {
			return true, fmt.Errorf("%w: delete row: %v", domain.ErrTransientStore, err)
		}
	}
	return true, nil
}

// RotateKeys re-encrypts the tenant's rows of the old key version under
// the new version, returning the number rotated. Rows that fail rotate
// are logged and skipped.
func (s *Store) RotateKeys(oldKeyVersion, newKeyVersion, tenantID string, aad []byte) int {
	start := s.now()

	s.mu.Lock()
	var candidates []*EncryptedRow
	for _, row := range s.rows {
		if row.TenantID == tenantID && row.KeyVersion == oldKeyVersion {
			candidates = append(candidates, row)
		}
	}
	s.mu.Unlock()

	rotated := 0
	for _, row := range candidates {
		newRow, err := s.encryption.ReEncryptRow(row, newKeyVersion, tenantID, aad)
		if err != nil {
			s.log.WithError(err).WithField("row_id", row.RowID).Warn("key rotation failed for row")
			continue
		}
		s.mu.Lock()
		s.rows[row.RowID] = newRow
		s.mu.Unlock()
		if s.persist != nil {
			if err := s.persist.SaveRow(newRow); err != nil {
				s.log.WithError(err).WithField("row_id", row.RowID).Warn("persisting rotated row failed")
			}
		}
		rotated++
	}

	recordOp("rotate_keys", start, true, tenantID, rotated, "")
	return rotated
}

// Len returns the total number of stored rows.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}
