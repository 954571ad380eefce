package snapshot

import (
	"github.com/comien/mssql-stream-bridge/internal/common"
	"github.com/comien/mssql-stream-bridge/internal/split"
)

// ChunkInfo is one fully read chunk of a table, ready for loading.
type ChunkInfo struct {
	Table      common.TableID
	ChunkIndex int
	Bounds     split.Chunk
	OrderBy    []string
	Data       []map[string]interface{}
}
