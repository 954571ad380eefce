package split

import (
	"context"
	"testing"
)

// fakeKeySpace implements BoundaryQuerier over a sorted in-memory key slice,
// answering the same questions the SQL round trips would.
type fakeKeySpace struct {
	keys    []int64
	queries int
}

func (f *fakeKeySpace) QueryMinMax(ctx context.Context) (any, any, error) {
	f.queries++
	if len(f.keys) == 0 {
		return nil, nil, nil
	}
	return f.keys[0], f.keys[len(f.keys)-1], nil
}

func (f *fakeKeySpace) QueryMin(ctx context.Context, exclusiveLowerBound any) (any, error) {
	f.queries++
	bound := exclusiveLowerBound.(int64)
	for _, k := range f.keys {
		if k > bound {
			return k, nil
		}
	}
	return nil, nil
}

func (f *fakeKeySpace) QueryNextChunkBound(ctx context.Context, chunkSize int, inclusiveLowerBound any) (any, error) {
	f.queries++
	bound := inclusiveLowerBound.(int64)
	var max any
	n := 0
	for _, k := range f.keys {
		if k < bound {
			continue
		}
		max = k
		n++
		if n == chunkSize {
			break
		}
	}
	return max, nil
}

func sequentialKeys(from, to int64) []int64 {
	keys := make([]int64, 0, to-from+1)
	for k := from; k <= to; k++ {
		keys = append(keys, k)
	}
	return keys
}

// Key range [1,1000] with chunk size 100 must produce exactly 10 chunks with
// arithmetic bounds: (nil,100], (100,200], ..., (900,nil).
func TestWalkChunksSequentialKeySpace(t *testing.T) {
	ks := &fakeKeySpace{keys: sequentialKeys(1, 1000)}

	chunks, err := WalkChunks(context.Background(), ks, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 10 {
		t.Fatalf("got %d chunks, want 10", len(chunks))
	}

	first := chunks[0]
	if first.Start != nil || len(first.End) != 1 || first.End[0] != int64(100) {
		t.Errorf("first chunk = %+v, want (nil, 100]", first)
	}
	if first.Position() != ChunkFirst {
		t.Errorf("first chunk position = %v, want first", first.Position())
	}

	last := chunks[len(chunks)-1]
	if len(last.Start) != 1 || last.Start[0] != int64(900) || last.End != nil {
		t.Errorf("last chunk = %+v, want (900, nil)", last)
	}
	if last.Position() != ChunkLast {
		t.Errorf("last chunk position = %v, want last", last.Position())
	}

	for i, c := range chunks[1 : len(chunks)-1] {
		if c.Position() != ChunkMiddle {
			t.Errorf("chunk %d position = %v, want middle", i+1, c.Position())
		}
		wantStart := int64(100 * (i + 1))
		wantEnd := int64(100 * (i + 2))
		if c.Start[0] != wantStart || c.End[0] != wantEnd {
			t.Errorf("chunk %d = (%v, %v], want (%d, %d]", i+1, c.Start[0], c.End[0], wantStart, wantEnd)
		}
	}
}

// The chunk sequence must be contiguous and non-overlapping: each chunk's End
// is exactly the next chunk's Start, regardless of how the keys are spread.
func TestWalkChunksContiguity(t *testing.T) {
	keySpaces := map[string][]int64{
		"dense":        sequentialKeys(1, 537),
		"sparse":       {2, 3, 5, 8, 13, 21, 34, 55, 89, 144, 233, 377, 610, 987},
		"with gaps":    {1, 2, 3, 100, 101, 102, 5000, 5001, 9999},
		"single key":   {42},
		"exact fit":    sequentialKeys(1, 300),
		"negative low": {-50, -10, 0, 10, 50, 100, 200},
	}

	for name, keys := range keySpaces {
		t.Run(name, func(t *testing.T) {
			for _, chunkSize := range []int{1, 2, 3, 100} {
				ks := &fakeKeySpace{keys: keys}
				chunks, err := WalkChunks(context.Background(), ks, chunkSize)
				if err != nil {
					t.Fatalf("chunk size %d: unexpected error: %v", chunkSize, err)
				}
				if len(chunks) == 0 {
					t.Fatalf("chunk size %d: no chunks produced", chunkSize)
				}
				if chunks[0].Start != nil {
					t.Errorf("chunk size %d: first chunk is bounded below", chunkSize)
				}
				if chunks[len(chunks)-1].End != nil {
					t.Errorf("chunk size %d: last chunk is bounded above", chunkSize)
				}
				for i := 0; i < len(chunks)-1; i++ {
					if chunks[i].End == nil || chunks[i+1].Start == nil {
						t.Fatalf("chunk size %d: interior unbounded chunk at %d", chunkSize, i)
					}
					if chunks[i].End[0] != chunks[i+1].Start[0] {
						t.Errorf("chunk size %d: chunk %d end %v != chunk %d start %v",
							chunkSize, i, chunks[i].End[0], i+1, chunks[i+1].Start[0])
					}
				}
			}
		})
	}
}

func TestWalkChunksEmptyTable(t *testing.T) {
	ks := &fakeKeySpace{}
	chunks, err := WalkChunks(context.Background(), ks, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Position() != ChunkOnly {
		t.Errorf("got %+v, want a single unbounded chunk", chunks)
	}
}

func TestWalkChunksSingleChunkTable(t *testing.T) {
	// Everything fits in one chunk: the only bound discovered is the max.
	ks := &fakeKeySpace{keys: sequentialKeys(1, 50)}
	chunks, err := WalkChunks(context.Background(), ks, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Position() != ChunkOnly {
		t.Errorf("got %+v, want a single unbounded chunk", chunks)
	}
}

func TestWalkChunksRejectsNonPositiveChunkSize(t *testing.T) {
	if _, err := WalkChunks(context.Background(), &fakeKeySpace{}, 0); err == nil {
		t.Error("expected error for chunk size 0, got nil")
	}
}

func TestWalkChunksHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := WalkChunks(ctx, &fakeKeySpace{keys: sequentialKeys(1, 1000)}, 10); err == nil {
		t.Error("expected context error, got nil")
	}
}

func TestCompareKeyValues(t *testing.T) {
	tests := []struct {
		name    string
		a, b    any
		want    int
		wantErr bool
	}{
		{"int64 less", int64(1), int64(2), -1, false},
		{"int64 equal", int64(5), int64(5), 0, false},
		{"float greater", 2.5, 1.5, 1, false},
		{"int float mix", int64(2), 1.5, 1, false},
		{"string", "abc", "abd", -1, false},
		{"bytes", []byte{0x01}, []byte{0x02}, -1, false},
		{"mismatched types", int64(1), "1", 0, true},
		{"unsupported type", struct{}{}, struct{}{}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := compareKeyValues(tt.a, tt.b)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}
