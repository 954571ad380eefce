package sqlserver

import (
	"testing"
	"time"

	"github.com/comien/mssql-stream-bridge/internal/common"
	"github.com/comien/mssql-stream-bridge/internal/lsn"
	"github.com/comien/mssql-stream-bridge/internal/metrics"
)

func testLsnBytes(last byte) []byte {
	b := make([]byte, lsn.Size)
	b[lsn.Size-1] = last
	return b
}

func changeColumns(extra ...string) []string {
	cols := []string{"__$start_lsn", "__$seqval", "__$operation", "__$start_lsn", "__$end_lsn", "__$seqval", "__$operation", "__$update_mask"}
	return append(cols, extra...)
}

func TestConvertChangeRow(t *testing.T) {
	c := &CDC{}
	table := common.TableInfo{ID: common.TableID{Schema: "dbo", Name: "orders"}}

	columns := changeColumns("id", "customer")
	makeValues := func(op int64, id interface{}, customer interface{}) []interface{} {
		return []interface{}{
			testLsnBytes(0x10), testLsnBytes(0x02), op,
			testLsnBytes(0x10), nil, testLsnBytes(0x02), op, []byte{0x03},
			id, customer,
		}
	}

	tests := []struct {
		name     string
		op       int64
		wantType common.EventType
	}{
		{"delete", 1, common.EventTypeDelete},
		{"insert", 2, common.EventTypeInsert},
		{"update before", 3, common.EventTypeUpdate},
		{"update after", 4, common.EventTypeUpdate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, op, err := c.convertChangeRow(table, columns, makeValues(tt.op, int64(42), "alice"))
			if err != nil {
				t.Fatalf("convertChangeRow: %v", err)
			}
			if op != int(tt.op) {
				t.Errorf("operation = %d, want %d", op, tt.op)
			}
			if event.Type != tt.wantType {
				t.Errorf("event type = %s, want %s", event.Type, tt.wantType)
			}
			if event.Schema != "dbo" || event.Table != "orders" {
				t.Errorf("event table = %s.%s, want dbo.orders", event.Schema, event.Table)
			}
			if event.ID == "" {
				t.Error("event ID is empty")
			}
		})
	}
}

func TestConvertChangeRowPosition(t *testing.T) {
	c := &CDC{}
	table := common.TableInfo{ID: common.TableID{Schema: "dbo", Name: "orders"}}

	commitRaw := testLsnBytes(0x10)
	seqRaw := testLsnBytes(0x02)
	values := []interface{}{
		commitRaw, seqRaw, int64(2),
		commitRaw, nil, seqRaw, int64(2), []byte{0x01},
		int64(1), "bob",
	}

	event, _, err := c.convertChangeRow(table, changeColumns("id", "customer"), values)
	if err != nil {
		t.Fatalf("convertChangeRow: %v", err)
	}

	wantCommit, _ := lsn.FromBytes(commitRaw)
	wantChange, _ := lsn.FromBytes(seqRaw)
	if event.Position.CommitLsn != wantCommit {
		t.Errorf("CommitLsn = %s, want %s", event.Position.CommitLsn, wantCommit)
	}
	if event.Position.ChangeLsn != wantChange {
		t.Errorf("ChangeLsn = %s, want %s", event.Position.ChangeLsn, wantChange)
	}
}

func TestConvertChangeRowDataExcludesMetadata(t *testing.T) {
	c := &CDC{}
	table := common.TableInfo{ID: common.TableID{Schema: "dbo", Name: "orders"}}

	values := []interface{}{
		testLsnBytes(0x10), testLsnBytes(0x02), int64(2),
		testLsnBytes(0x10), nil, testLsnBytes(0x02), int64(2), []byte{0x03},
		int64(7), "carol",
	}

	event, _, err := c.convertChangeRow(table, changeColumns("id", "customer"), values)
	if err != nil {
		t.Fatalf("convertChangeRow: %v", err)
	}

	if len(event.Data) != 2 {
		t.Fatalf("data has %d keys, want 2: %v", len(event.Data), event.Data)
	}
	if event.Data["id"] != int64(7) {
		t.Errorf("data[id] = %v, want 7", event.Data["id"])
	}
	if event.Data["customer"] != "carol" {
		t.Errorf("data[customer] = %v, want carol", event.Data["customer"])
	}
	for key := range event.Data {
		if len(key) >= 3 && key[:3] == "__$" {
			t.Errorf("metadata column %q leaked into data", key)
		}
	}
}

func TestConvertChangeRowErrors(t *testing.T) {
	c := &CDC{}
	table := common.TableInfo{ID: common.TableID{Schema: "dbo", Name: "orders"}}
	columns := changeColumns("id")

	tests := []struct {
		name   string
		values []interface{}
	}{
		{
			"unknown operation",
			[]interface{}{testLsnBytes(0x10), testLsnBytes(0x02), int64(9), testLsnBytes(0x10), nil, testLsnBytes(0x02), int64(9), []byte{0x01}, int64(1)},
		},
		{
			"short start lsn",
			[]interface{}{[]byte{0x01, 0x02}, testLsnBytes(0x02), int64(2), nil, nil, nil, int64(2), nil, int64(1)},
		},
		{
			"nil seqval",
			[]interface{}{testLsnBytes(0x10), nil, int64(2), nil, nil, nil, int64(2), nil, int64(1)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := c.convertChangeRow(table, columns, tt.values); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestBatchLimitReached(t *testing.T) {
	commitA, _ := lsn.FromBytes(testLsnBytes(0x01))
	commitB, _ := lsn.FromBytes(testLsnBytes(0x02))

	tests := []struct {
		name        string
		sent        int
		limit       int
		eventCommit lsn.Lsn
		lastEmitted lsn.Lsn
		want        bool
	}{
		{"no limit configured", 100, 0, commitB, commitA, false},
		{"under limit", 4, 5, commitB, commitA, false},
		{"at limit, same commit keeps going", 5, 5, commitA, commitA, false},
		{"at limit, new commit cuts", 5, 5, commitB, commitA, true},
		{"over limit, same commit keeps going", 9, 5, commitA, commitA, false},
		{"over limit, new commit cuts", 9, 5, commitB, commitA, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := batchLimitReached(tt.sent, tt.limit, tt.eventCommit, tt.lastEmitted)
			if got != tt.want {
				t.Errorf("batchLimitReached(%d, %d) = %v, want %v", tt.sent, tt.limit, got, tt.want)
			}
		})
	}
}

type pollRecorder struct {
	metrics.NoopMetrics
	cycles    int
	durations []time.Duration
}

func (r *pollRecorder) IncPollCycles() {
	r.cycles++
}

func (r *pollRecorder) ObservePollDuration(d time.Duration) {
	r.durations = append(r.durations, d)
}

func TestObservePoll(t *testing.T) {
	rec := &pollRecorder{}
	c := &CDC{metrics: rec}

	c.observePoll(time.Now().Add(-time.Millisecond))
	c.observePoll(time.Now().Add(-time.Millisecond))

	if rec.cycles != 2 {
		t.Errorf("poll cycles = %d, want 2", rec.cycles)
	}
	if len(rec.durations) != 2 {
		t.Fatalf("recorded %d durations, want 2", len(rec.durations))
	}
	for i, d := range rec.durations {
		if d <= 0 {
			t.Errorf("duration %d = %v, want positive", i, d)
		}
	}
}

func TestObservePollNilMetrics(t *testing.T) {
	c := &CDC{}
	c.observePoll(time.Now())
}

func TestAsInt64(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want int64
	}{
		{"int64", int64(4), 4},
		{"int32", int32(3), 3},
		{"int", 2, 2},
		{"string falls back to zero", "4", 0},
		{"nil falls back to zero", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := asInt64(tt.in); got != tt.want {
				t.Errorf("asInt64(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeValue(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	local := time.Date(2024, 5, 17, 11, 30, 0, 0, loc)

	got := normalizeValue(local)
	ts, ok := got.(time.Time)
	if !ok {
		t.Fatalf("normalizeValue(time) returned %T", got)
	}
	if ts.Location() != time.UTC {
		t.Errorf("location = %v, want UTC", ts.Location())
	}
	if ts.Hour() != 9 {
		t.Errorf("hour = %d, want 9", ts.Hour())
	}

	raw := []byte{0xDE, 0xAD}
	if got := normalizeValue(raw); string(got.([]byte)) != string(raw) {
		t.Errorf("normalizeValue([]byte) = %v, want unchanged", got)
	}

	if got := normalizeValue("plain"); got != "plain" {
		t.Errorf("normalizeValue(string) = %v, want passthrough", got)
	}
}
