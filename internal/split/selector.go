package split

import "github.com/comien/mssql-stream-bridge/internal/common"

// SelectKeyColumn picks the column used to chunk a table: the first column of
// its primary key. Tables without a primary key cannot be chunked at all;
// that is a NoPrimaryKeyError surfaced before any query is issued.
func SelectKeyColumn(table *common.TableInfo) (common.Column, error) {
	primaryKeys := table.PrimaryKeyColumns()
	if len(primaryKeys) == 0 {
		return common.Column{}, &NoPrimaryKeyError{Table: table.ID}
	}
	return primaryKeys[0], nil
}
