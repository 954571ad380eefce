package lsn

import (
	"errors"
	"testing"
)

func strPtr(s string) *string { return &s }

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "00000025:00000448:0001", false},
		{"valid zero", "00000000:00000000:0000", false},
		{"valid max", "ffffffff:ffffffff:ffff", false},
		{"missing colon", "0000002500000448:0001", true},
		{"wrong segment length", "0000025:00000448:0001", true},
		{"too many segments", "00000025:00000448:0001:0001", true},
		{"non-hex", "0000002g:00000448:0001", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := Parse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) expected error, got nil", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.input, err)
			}
			if got := l.String(); got != tt.input {
				t.Errorf("round trip: got %q, want %q", got, tt.input)
			}
		})
	}
}

func TestFromBytes(t *testing.T) {
	raw := []byte{0, 0, 0, 0x25, 0, 0, 0x04, 0x48, 0, 0x01}
	l, err := FromBytes(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := l.String(); got != "00000025:00000448:0001" {
		t.Errorf("got %q, want 00000025:00000448:0001", got)
	}

	if _, err := FromBytes([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for short input, got nil")
	}
}

func TestLsnCompare(t *testing.T) {
	mustParse := func(s string) Lsn {
		l, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		return l
	}

	low := mustParse("00000025:00000448:0001")
	mid := mustParse("00000025:00000449:0000")
	high := mustParse("00000026:00000001:0000")

	if low.Compare(mid) >= 0 {
		t.Error("expected low < mid")
	}
	if mid.Compare(high) >= 0 {
		t.Error("expected mid < high")
	}
	if low.Compare(low) != 0 {
		t.Error("expected low == low")
	}

	var zero Lsn
	if !zero.IsZero() {
		t.Error("zero value should be the NULL LSN")
	}
	if zero.Compare(low) >= 0 {
		t.Error("NULL LSN should sort before every real LSN")
	}
}

// Positions order on commit first, change second, serial last:
// (5,1) < (5,2) < (6,0).
func TestPositionOrdering(t *testing.T) {
	pos := func(commit, change string, serial int64) Position {
		c, err := Parse(commit)
		if err != nil {
			t.Fatalf("Parse(%q): %v", commit, err)
		}
		ch, err := Parse(change)
		if err != nil {
			t.Fatalf("Parse(%q): %v", change, err)
		}
		return Position{ChangeLsn: ch, CommitLsn: c, EventSerialNo: serial}
	}

	p51 := pos("00000005:00000000:0000", "00000001:00000000:0000", 0)
	p52 := pos("00000005:00000000:0000", "00000002:00000000:0000", 0)
	p60 := pos("00000006:00000000:0000", "00000000:00000000:0000", 0)

	if !p51.Before(p52) {
		t.Error("expected (commit 5, change 1) < (commit 5, change 2)")
	}
	if !p52.Before(p60) {
		t.Error("expected (commit 5, change 2) < (commit 6, change 0)")
	}
	if !p51.Before(p60) {
		t.Error("expected ordering to be transitive")
	}
	if p51.Compare(p51) != 0 {
		t.Error("expected a position to equal itself")
	}

	// Serial number breaks ties within a transaction.
	s1 := pos("00000005:00000000:0000", "00000001:00000000:0000", 1)
	s2 := pos("00000005:00000000:0000", "00000001:00000000:0000", 2)
	if !s1.Before(s2) {
		t.Error("expected serial 1 < serial 2 at the same LSN pair")
	}
}

func TestParseOffsetRoundTrip(t *testing.T) {
	change, _ := Parse("00000025:00000448:0003")
	commit, _ := Parse("00000025:00000450:0000")
	want := Position{ChangeLsn: change, CommitLsn: commit, EventSerialNo: 2}

	got, err := ParseOffset(want.Offset())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Compare(want) != 0 {
		t.Errorf("round trip mismatch: got %v, want %v", got, want)
	}
}

func TestParseOffsetMissingKeys(t *testing.T) {
	tests := []struct {
		name    string
		offset  map[string]*string
		wantKey string
	}{
		{
			name: "missing commit_lsn",
			offset: map[string]*string{
				ChangeLsnKey: strPtr("00000025:00000448:0003"),
			},
			wantKey: CommitLsnKey,
		},
		{
			name: "missing change_lsn",
			offset: map[string]*string{
				CommitLsnKey: strPtr("00000025:00000450:0000"),
			},
			wantKey: ChangeLsnKey,
		},
		{
			name: "nil commit_lsn",
			offset: map[string]*string{
				ChangeLsnKey: strPtr("00000025:00000448:0003"),
				CommitLsnKey: nil,
			},
			wantKey: CommitLsnKey,
		},
		{
			name: "unparsable change_lsn",
			offset: map[string]*string{
				ChangeLsnKey: strPtr("not-an-lsn"),
				CommitLsnKey: strPtr("00000025:00000450:0000"),
			},
			wantKey: ChangeLsnKey,
		},
		{
			name: "unparsable serial",
			offset: map[string]*string{
				ChangeLsnKey:     strPtr("00000025:00000448:0003"),
				CommitLsnKey:     strPtr("00000025:00000450:0000"),
				EventSerialNoKey: strPtr("abc"),
			},
			wantKey: EventSerialNoKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOffset(tt.offset)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var malformed *MalformedOffsetError
			if !errors.As(err, &malformed) {
				t.Fatalf("expected MalformedOffsetError, got %T: %v", err, err)
			}
			if malformed.Key != tt.wantKey {
				t.Errorf("error key = %q, want %q", malformed.Key, tt.wantKey)
			}
		})
	}
}

func TestParseOffsetDefaultsSerial(t *testing.T) {
	offset := map[string]*string{
		ChangeLsnKey: strPtr("00000025:00000448:0003"),
		CommitLsnKey: strPtr("00000025:00000450:0000"),
	}
	got, err := ParseOffset(offset)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.EventSerialNo != 0 {
		t.Errorf("EventSerialNo = %d, want 0", got.EventSerialNo)
	}
}
