package common

import (
	"time"

	"github.com/comien/mssql-stream-bridge/internal/lsn"
)

type EventType string

const (
	EventTypeInsert EventType = "INSERT"
	EventTypeUpdate EventType = "UPDATE"
	EventTypeDelete EventType = "DELETE"
)

// Event is one row-level change, either read from a CDC change table or
// synthesized from a snapshot chunk row.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Schema    string                 `json:"schema"`
	Table     string                 `json:"table"`
	Timestamp time.Time              `json:"timestamp"`
	Position  lsn.Position           `json:"position"`
	Data      map[string]interface{} `json:"data,omitempty"`
	OldData   map[string]interface{} `json:"old_data,omitempty"`
}

// TableID identifies a source table. Catalog is the database name and is only
// needed by statements that must address a table across databases; generated
// query text quotes schema and table only.
type TableID struct {
	Catalog string `json:"catalog,omitempty"`
	Schema  string `json:"schema"`
	Name    string `json:"name"`
}

func (t TableID) String() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

type TableInfo struct {
	ID          TableID  `json:"id"`
	Columns     []Column `json:"columns"`
	PrimaryKey  []string `json:"primary_key"`
	CaptureName string   `json:"capture_name,omitempty"` // CDC capture instance, e.g. dbo_orders
}

type Column struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Nullable     bool   `json:"nullable"`
	IsPrimaryKey bool   `json:"is_primary_key"`
	IsIdentity   bool   `json:"is_identity"`
}

// PrimaryKeyColumns returns the primary-key columns in declared key order.
func (t *TableInfo) PrimaryKeyColumns() []Column {
	cols := make([]Column, 0, len(t.PrimaryKey))
	for _, name := range t.PrimaryKey {
		for _, c := range t.Columns {
			if c.Name == name {
				cols = append(cols, c)
				break
			}
		}
	}
	return cols
}

// ColumnNames returns all column names in declared order.
func (t *TableInfo) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Metrics is a point-in-time snapshot of pipeline throughput counters.
type Metrics struct {
	EventsProcessed  int64     `json:"events_processed"`
	EventsSuccessful int64     `json:"events_successful"`
	EventsFailed     int64     `json:"events_failed"`
	ProcessingRate   float64   `json:"processing_rate"`
	LastEventTime    time.Time `json:"last_event_time"`
	QueueLength      int       `json:"queue_length"`
}

type HealthStatus struct {
	Status             string        `json:"status"`
	SQLServerConnected bool          `json:"sqlserver_connected"`
	SinkConnected      bool          `json:"sink_connected"`
	ReplicationRunning bool          `json:"replication_running"`
	LastError          string        `json:"last_error,omitempty"`
	Uptime             time.Duration `json:"uptime"`
	Version            string        `json:"version"`
}
