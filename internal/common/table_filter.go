package common

import (
	"fmt"
	"regexp"

	"github.com/comien/mssql-stream-bridge/internal/config"
)

// TableFilter decides which source tables participate in snapshot and CDC,
// based on the configured include/exclude lists and patterns.
type TableFilter struct {
	includeRegex  []*regexp.Regexp
	excludeRegex  []*regexp.Regexp
	includeTables map[string]bool
	excludeTables map[string]bool
}

func NewTableFilter(cfg config.TableFilterConfig) (*TableFilter, error) {
	tf := &TableFilter{
		includeTables: make(map[string]bool),
		excludeTables: make(map[string]bool),
	}

	for _, pattern := range cfg.IncludePatterns {
		regex, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid include pattern '%s': %w", pattern, err)
		}
		tf.includeRegex = append(tf.includeRegex, regex)
	}

	for _, pattern := range cfg.ExcludePatterns {
		regex, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern '%s': %w", pattern, err)
		}
		tf.excludeRegex = append(tf.excludeRegex, regex)
	}

	for _, table := range cfg.IncludeTables {
		tf.includeTables[table] = true
	}
	for _, table := range cfg.ExcludeTables {
		tf.excludeTables[table] = true
	}

	return tf, nil
}

// ShouldProcessTable reports whether schema.table passes the filter. Exclusions
// win over inclusions; when any include filter is configured, a table must
// match one of them.
func (tf *TableFilter) ShouldProcessTable(schema, table string) bool {
	fullName := fmt.Sprintf("%s.%s", schema, table)

	if tf.excludeTables[fullName] || tf.excludeTables[table] {
		return false
	}
	for _, regex := range tf.excludeRegex {
		if regex.MatchString(fullName) || regex.MatchString(table) {
			return false
		}
	}

	if len(tf.includeTables) > 0 || len(tf.includeRegex) > 0 {
		if tf.includeTables[fullName] || tf.includeTables[table] {
			return true
		}
		for _, regex := range tf.includeRegex {
			if regex.MatchString(fullName) || regex.MatchString(table) {
				return true
			}
		}
		return false
	}

	return true
}
