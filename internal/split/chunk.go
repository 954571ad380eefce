// Package split computes chunk boundaries over a table's primary-key space and
// builds the bounded read queries that let a large table be snapshotted in
// parallel, consistently with a concurrently consumed change stream.
//
// The package is a pure computation and query-construction layer: it issues
// single round-trip boundary queries through an injected Querier, performs no
// retries, no logging and no orchestration, and leaves resilience policy to
// its caller.
package split

// ChunkPosition tags where a chunk sits in its table's chunk sequence. The
// position decides the predicate shape and the parameter layout of the chunk's
// read query.
type ChunkPosition int

const (
	// ChunkOnly is a single chunk covering the whole table.
	ChunkOnly ChunkPosition = iota
	// ChunkFirst is unbounded below.
	ChunkFirst
	// ChunkMiddle is bounded on both sides.
	ChunkMiddle
	// ChunkLast is unbounded above.
	ChunkLast
)

func (p ChunkPosition) String() string {
	switch p {
	case ChunkOnly:
		return "only"
	case ChunkFirst:
		return "first"
	case ChunkMiddle:
		return "middle"
	case ChunkLast:
		return "last"
	default:
		return "unknown"
	}
}

// Chunk is one half-open slice of a table's key space. A nil Start marks the
// first chunk (unbounded below); a nil End marks the last (unbounded above).
// Within one table's sequence, chunk i's End equals chunk i+1's Start: the
// shared boundary key is excluded from the earlier chunk's data scan and read
// inclusively by the later chunk, so every row lands in exactly one chunk.
type Chunk struct {
	Start []any
	End   []any
}

// Position derives the chunk's position tag from the nil-ness of its bounds.
func (c Chunk) Position() ChunkPosition {
	switch {
	case c.Start == nil && c.End == nil:
		return ChunkOnly
	case c.Start == nil:
		return ChunkFirst
	case c.End == nil:
		return ChunkLast
	default:
		return ChunkMiddle
	}
}
