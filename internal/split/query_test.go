package split

import (
	"errors"
	"strings"
	"testing"

	"github.com/comien/mssql-stream-bridge/internal/common"
)

var ordersTable = common.TableID{Schema: "dbo", Name: "orders"}

func TestBuildScanQuery(t *testing.T) {
	tests := []struct {
		name    string
		keys    []string
		pos     ChunkPosition
		wantSQL string
	}{
		{
			name:    "only chunk has no predicate",
			keys:    []string{"id"},
			pos:     ChunkOnly,
			wantSQL: "SELECT * FROM [dbo].[orders]",
		},
		{
			name:    "first chunk excludes its upper boundary",
			keys:    []string{"id"},
			pos:     ChunkFirst,
			wantSQL: "SELECT * FROM [dbo].[orders] WHERE [id] <= @p1 AND NOT ([id] = @p2)",
		},
		{
			name:    "last chunk is unbounded above",
			keys:    []string{"id"},
			pos:     ChunkLast,
			wantSQL: "SELECT * FROM [dbo].[orders] WHERE [id] >= @p1",
		},
		{
			name:    "middle chunk bounds both sides and excludes the upper boundary",
			keys:    []string{"id"},
			pos:     ChunkMiddle,
			wantSQL: "SELECT * FROM [dbo].[orders] WHERE [id] >= @p1 AND NOT ([id] = @p2) AND [id] <= @p3",
		},
		{
			name: "composite key conjoins per column in key order",
			keys: []string{"region", "id"},
			pos:  ChunkMiddle,
			wantSQL: "SELECT * FROM [dbo].[orders] WHERE [region] >= @p1 AND [id] >= @p2" +
				" AND NOT ([region] = @p3 AND [id] = @p4) AND [region] <= @p5 AND [id] <= @p6",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildScanQuery(ordersTable, tt.keys, tt.pos)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.SQL != tt.wantSQL {
				t.Errorf("SQL mismatch\n got:  %s\n want: %s", got.SQL, tt.wantSQL)
			}
			if got.Kind != QueryDataScan {
				t.Errorf("Kind = %v, want QueryDataScan", got.Kind)
			}
			if got.HasCondition != (tt.pos != ChunkOnly) {
				t.Errorf("HasCondition = %v for position %v", got.HasCondition, tt.pos)
			}
		})
	}
}

func TestBuildScanQueryRejectsBadIdentifiers(t *testing.T) {
	if _, err := BuildScanQuery(common.TableID{Schema: "dbo", Name: "orders; DROP TABLE x"}, []string{"id"}, ChunkOnly); err == nil {
		t.Error("expected error for malicious table name, got nil")
	}
	if _, err := BuildScanQuery(ordersTable, []string{"id]"}, ChunkFirst); err == nil {
		t.Error("expected error for malicious column name, got nil")
	}
}

func TestBuildBoundaryQuery(t *testing.T) {
	got, err := BuildBoundaryQuery(ordersTable, []string{"id"}, ChunkMiddle, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "SELECT MAX([id]) FROM (SELECT TOP (1000) [id] FROM [dbo].[orders]" +
		" WHERE [id] >= @p1 AND [id] <= @p2 ORDER BY [id] ASC) T"
	if got.SQL != want {
		t.Errorf("SQL mismatch\n got:  %s\n want: %s", got.SQL, want)
	}
	if got.Kind != QueryBoundaryDiscovery || got.Limit != 1000 {
		t.Errorf("metadata mismatch: kind=%v limit=%d", got.Kind, got.Limit)
	}
}

func TestBuildBoundaryQueryRejectsNonPositiveLimit(t *testing.T) {
	if _, err := BuildBoundaryQuery(ordersTable, []string{"id"}, ChunkFirst, 0); err == nil {
		t.Error("expected error for zero limit, got nil")
	}
}

// The scan and boundary-discovery predicates must select the same rows except
// at the upper boundary of first/middle chunks, where only the data scan
// excludes exact equality. Structurally: stripping the NOT clause from the
// scan condition yields the boundary condition.
func TestScanAndBoundaryConditionsAgreeUpToExclusion(t *testing.T) {
	for _, pos := range []ChunkPosition{ChunkOnly, ChunkFirst, ChunkMiddle, ChunkLast} {
		scanCond := buildCondition([]string{"[id]"}, pos, true)
		boundaryCond := buildCondition([]string{"[id]"}, pos, false)

		hasExclusion := strings.Contains(scanCond, "AND NOT (")
		wantExclusion := pos == ChunkFirst || pos == ChunkMiddle
		if hasExclusion != wantExclusion {
			t.Errorf("position %v: exclusion present=%v, want %v", pos, hasExclusion, wantExclusion)
		}

		stripped := scanCond
		if hasExclusion {
			startIdx := strings.Index(scanCond, " AND NOT (")
			endIdx := strings.Index(scanCond, ")")
			stripped = scanCond[:startIdx] + scanCond[endIdx+1:]
		}
		// Boundary conditions renumber their slots, so compare shapes with
		// parameter numbers erased.
		if erase := func(s string) string {
			for i := 9; i >= 1; i-- {
				s = strings.ReplaceAll(s, "@p"+string(rune('0'+i)), "@p")
			}
			return s
		}; erase(stripped) != erase(boundaryCond) {
			t.Errorf("position %v: scan condition %q (exclusion stripped) != boundary condition %q", pos, stripped, boundaryCond)
		}
	}
}

func TestScanArgsLayout(t *testing.T) {
	start := []any{int64(900)}
	end := []any{int64(1000)}

	tests := []struct {
		name     string
		chunk    Chunk
		keyArity int
		want     []any
	}{
		{"only has zero parameters", Chunk{}, 1, nil},
		{"first binds the end key twice", Chunk{End: end}, 1, []any{int64(1000), int64(1000)}},
		{"last binds the start key once", Chunk{Start: start}, 1, []any{int64(900)}},
		{"middle binds start then end twice", Chunk{Start: start, End: end}, 1, []any{int64(900), int64(1000), int64(1000)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ScanArgs(tt.chunk, tt.keyArity)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d args, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("arg %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

// Parameter counts per position and key arity k: only 0, last k, first 2k,
// middle 3k.
func TestScanArgsCountByArity(t *testing.T) {
	for _, k := range []int{1, 2, 3} {
		start := make([]any, k)
		end := make([]any, k)
		for i := 0; i < k; i++ {
			start[i] = int64(i)
			end[i] = int64(i + 100)
		}

		cases := []struct {
			chunk Chunk
			want  int
		}{
			{Chunk{}, 0},
			{Chunk{Start: start}, k},
			{Chunk{End: end}, 2 * k},
			{Chunk{Start: start, End: end}, 3 * k},
		}
		for _, c := range cases {
			args, err := ScanArgs(c.chunk, k)
			if err != nil {
				t.Fatalf("arity %d position %v: unexpected error: %v", k, c.chunk.Position(), err)
			}
			if len(args) != c.want {
				t.Errorf("arity %d position %v: got %d args, want %d", k, c.chunk.Position(), len(args), c.want)
			}
		}
	}
}

func TestScanArgsArityMismatch(t *testing.T) {
	_, err := ScanArgs(Chunk{Start: []any{int64(1)}, End: []any{int64(2)}}, 2)
	if err == nil {
		t.Fatal("expected error for arity mismatch, got nil")
	}
	var bindErr *StatementBindError
	if !errors.As(err, &bindErr) {
		t.Errorf("expected StatementBindError, got %T: %v", err, err)
	}
}
