package sqlite

import (
	"database/sql"
	"strings"
	"time"

	"github.com/atp-network/atp-router/internal/infra/observability"
)

// BufferStore is a sqlite-backed external reassembly buffer. It
// implements fragment.BufferStore: parts survive router restarts and
// are pruned after a TTL.
type BufferStore struct {
	db  *DB
	ttl time.Duration
	now func() time.Time
}

// NewBufferStore creates a buffer store on db. A ttl of 0 keeps parts
// for 10 minutes.
func NewBufferStore(db *DB, ttl time.Duration) *BufferStore {
	if ttl <= 0 {
		ttl = 600 * time.Second
	}
	return &BufferStore{db: db, ttl: ttl, now: time.Now}
}

// PushPart stores a fragment part and reports completion.
func (s *BufferStore) PushPart(sessionID, streamID string, msgSeq int64, fragSeq int, data string, isLast, isBinary bool) (bool, string, error) {
	observability.BufferStoreOps.Inc()
	now := s.now().Unix()

	_, err := s.db.db.Exec(`
		INSERT INTO reassembly_parts (session_id, stream_id, msg_seq, frag_seq, data, is_last, is_binary, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, stream_id, msg_seq, frag_seq) DO UPDATE SET
			data       = excluded.data,
			is_last    = excluded.is_last,
			is_binary  = excluded.is_binary,
			updated_at = excluded.updated_at
	`, sessionID, streamID, msgSeq, fragSeq, data, boolInt(isLast), boolInt(isBinary), now)
	if err != nil {
		return false, "", err
	}
	s.prune()

	// Completion: a LAST part must exist and parts 0..last must be contiguous.
	var lastSeq sql.NullInt64
	err = s.db.db.QueryRow(`
		SELECT MAX(frag_seq) FROM reassembly_parts
		WHERE session_id = ? AND stream_id = ? AND msg_seq = ? AND is_last = 1
	`, sessionID, streamID, msgSeq).Scan(&lastSeq)
	if err != nil || !lastSeq.Valid {
		return false, "", err
	}

	rows, err := s.db.db.Query(`
		SELECT frag_seq, data FROM reassembly_parts
		WHERE session_id = ? AND stream_id = ? AND msg_seq = ?
		ORDER BY frag_seq
	`, sessionID, streamID, msgSeq)
	if err != nil {
		return false, "", err
	}
	defer rows.Close()

	parts := make(map[int]string)
	for rows.Next() {
		var seq int
		var part string
		if err := rows.Scan(&seq, &part); err != nil {
			return false, "", err
		}
		parts[seq] = part
	}
	if err := rows.Err(); err != nil {
		return false, "", err
	}

	last := int(lastSeq.Int64)
	var b strings.Builder
	for i := 0; i <= last; i++ {
		part, ok := parts[i]
		if !ok {
			return false, "", nil
		}
		b.WriteString(part)
	}

	if err := s.Clear(sessionID, streamID, msgSeq); err != nil {
		return false, "", err
	}
	return true, b.String(), nil
}

// Clear drops all parts of a message.
func (s *BufferStore) Clear(sessionID, streamID string, msgSeq int64) error {
	observability.BufferStoreOps.Inc()
	_, err := s.db.db.Exec(`
		DELETE FROM reassembly_parts
		WHERE session_id = ? AND stream_id = ? AND msg_seq = ?
	`, sessionID, streamID, msgSeq)
	return err
}

func (s *BufferStore) prune() {
	cutoff := s.now().Add(-s.ttl).Unix()
	s.db.db.Exec(`DELETE FROM reassembly_parts WHERE updated_at < ?`, cutoff)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
