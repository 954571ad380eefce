// Package lsn models SQL Server log sequence numbers and change-table offsets.
//
// An LSN is a 10-byte, monotonically increasing marker into the transaction
// log. CDC offset records carry two of them - the LSN of the individual change
// and the LSN of the enclosing commit - plus an ordinal for changes that share
// a commit. Positions compare commit-first so that a snapshot watermark taken
// at commit time totally orders against the live change stream.
package lsn

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Size is the length of a SQL Server LSN in bytes.
const Size = 10

// Well-known offset record keys, matching the field names SQL Server CDC
// readers emit for a change position.
const (
	ChangeLsnKey     = "change_lsn"
	CommitLsnKey     = "commit_lsn"
	EventSerialNoKey = "event_serial_no"
)

// Lsn is a SQL Server log sequence number. The zero value is the NULL LSN,
// which sorts before every real position.
type Lsn [Size]byte

// Parse converts the canonical textual form "00000025:00000448:0001"
// (VLF sequence, log block, slot - 4+4+2 bytes hex) into an Lsn.
func Parse(s string) (Lsn, error) {
	var l Lsn
	parts := strings.Split(s, ":")
	if len(parts) != 3 || len(parts[0]) != 8 || len(parts[1]) != 8 || len(parts[2]) != 4 {
		return l, fmt.Errorf("malformed LSN %q: want XXXXXXXX:XXXXXXXX:XXXX", s)
	}
	raw, err := hex.DecodeString(parts[0] + parts[1] + parts[2])
	if err != nil {
		return l, fmt.Errorf("malformed LSN %q: %w", s, err)
	}
	copy(l[:], raw)
	return l, nil
}

// FromBytes converts a raw binary(10) value, as returned by the
// sys.fn_cdc_* functions, into an Lsn.
func FromBytes(b []byte) (Lsn, error) {
	var l Lsn
	if len(b) != Size {
		return l, fmt.Errorf("LSN must be %d bytes, got %d", Size, len(b))
	}
	copy(l[:], b)
	return l, nil
}

func (l Lsn) String() string {
	h := hex.EncodeToString(l[:])
	return h[0:8] + ":" + h[8:16] + ":" + h[16:20]
}

// Bytes returns the raw binary(10) representation.
func (l Lsn) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, l[:])
	return b
}

// IsZero reports whether l is the NULL LSN.
func (l Lsn) IsZero() bool {
	return l == Lsn{}
}

// Compare orders two LSNs as unsigned big-endian integers, which is the
// ordering the transaction log itself uses. Returns -1, 0 or 1.
func (l Lsn) Compare(other Lsn) int {
	return bytes.Compare(l[:], other[:])
}

// Position is a fully resolved change-stream position: the commit LSN of the
// enclosing transaction, the change LSN of the individual operation, and the
// serial number of the operation within its transaction. Immutable value type.
type Position struct {
	ChangeLsn     Lsn
	CommitLsn     Lsn
	EventSerialNo int64
}

// NewPosition builds a Position from its two LSN components with serial 0.
func NewPosition(change, commit Lsn) Position {
	return Position{ChangeLsn: change, CommitLsn: commit}
}

// Compare orders positions lexicographically on (commit, change, serial).
// Two positions are equal only if all components match.
func (p Position) Compare(other Position) int {
	if c := p.CommitLsn.Compare(other.CommitLsn); c != 0 {
		return c
	}
	if c := p.ChangeLsn.Compare(other.ChangeLsn); c != 0 {
		return c
	}
	switch {
	case p.EventSerialNo < other.EventSerialNo:
		return -1
	case p.EventSerialNo > other.EventSerialNo:
		return 1
	default:
		return 0
	}
}

// Before reports whether p is strictly earlier than other.
func (p Position) Before(other Position) bool {
	return p.Compare(other) < 0
}

func (p Position) String() string {
	return fmt.Sprintf("commit=%s change=%s serial=%d", p.CommitLsn, p.ChangeLsn, p.EventSerialNo)
}

// Offset serializes the position back into the raw offset record form consumed
// by ParseOffset, for persistence by an external state store.
func (p Position) Offset() map[string]*string {
	change := p.ChangeLsn.String()
	commit := p.CommitLsn.String()
	serial := strconv.FormatInt(p.EventSerialNo, 10)
	return map[string]*string{
		ChangeLsnKey:     &change,
		CommitLsnKey:     &commit,
		EventSerialNoKey: &serial,
	}
}

// ParseOffset extracts a Position from a raw offset record. Both LSN keys must
// be present and parsable; the serial number is optional and defaults to 0.
func ParseOffset(offset map[string]*string) (Position, error) {
	change, err := lsnField(offset, ChangeLsnKey)
	if err != nil {
		return Position{}, err
	}
	commit, err := lsnField(offset, CommitLsnKey)
	if err != nil {
		return Position{}, err
	}

	pos := Position{ChangeLsn: change, CommitLsn: commit}
	if raw, ok := offset[EventSerialNoKey]; ok && raw != nil {
		serial, err := strconv.ParseInt(*raw, 10, 64)
		if err != nil {
			return Position{}, &MalformedOffsetError{Key: EventSerialNoKey, Value: *raw, Cause: err}
		}
		pos.EventSerialNo = serial
	}
	return pos, nil
}

func lsnField(offset map[string]*string, key string) (Lsn, error) {
	raw, ok := offset[key]
	if !ok || raw == nil {
		return Lsn{}, &MalformedOffsetError{Key: key}
	}
	l, err := Parse(*raw)
	if err != nil {
		return Lsn{}, &MalformedOffsetError{Key: key, Value: *raw, Cause: err}
	}
	return l, nil
}

// CurrentPosition fetches the largest LSN the transaction log has assigned to
// a committed transaction and returns it as a watermark position. A snapshot
// phase cannot safely establish its bracketing watermarks without this, so any
// failure is surfaced as a SourceUnavailableError.
func CurrentPosition(ctx context.Context, db *sql.DB) (Position, error) {
	var raw []byte
	if err := db.QueryRowContext(ctx, "SELECT sys.fn_cdc_get_max_lsn()").Scan(&raw); err != nil {
		return Position{}, &SourceUnavailableError{Op: "query max LSN", Cause: err}
	}
	if raw == nil {
		return Position{}, &SourceUnavailableError{Op: "query max LSN", Cause: fmt.Errorf("CDC is not enabled on the database: sys.fn_cdc_get_max_lsn() returned NULL")}
	}
	max, err := FromBytes(raw)
	if err != nil {
		return Position{}, &SourceUnavailableError{Op: "query max LSN", Cause: err}
	}
	return NewPosition(max, max), nil
}
