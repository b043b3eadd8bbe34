package metadata

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DataFile describes a single parquet file written by the archive.
type DataFile struct {
	Path        string            `json:"path"`
	FileSize    int64             `json:"file_size_in_bytes"`
	RecordCount int64             `json:"record_count"`
	Partition   map[string]string `json:"partition"`
	Timestamp   time.Time         `json:"-"`
}

// Snapshot is one appended data file.
type Snapshot struct {
	SnapshotID  int64    `json:"snapshot-id"`
	TimestampMs int64    `json:"timestamp-ms"`
	DataFile    DataFile `json:"data-file"`
}

// TableMetadata is the document stored next to the data files.
type TableMetadata struct {
	FormatVersion     int        `json:"format-version"`
	TableUUID         string     `json:"table-uuid"`
	Location          string     `json:"location"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []Snapshot `json:"snapshots"`
}

// Generator incrementally builds table metadata. Only the newest
// maxSnapshots entries are retained.
type Generator struct {
	mu           sync.Mutex
	location     string
	tableUUID    string
	maxSnapshots int
	lastID       int64
	snapshots    []Snapshot
}

func NewGenerator(location string, maxSnapshots int) *Generator {
	if maxSnapshots <= 0 {
		maxSnapshots = 1000
	}
	return &Generator{
		location:     location,
		tableUUID:    uuid.NewString(),
		maxSnapshots: maxSnapshots,
	}
}

// AddFile records df and returns the updated metadata document.
func (g *Generator) AddFile(df DataFile) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := df.Timestamp.UnixNano()
	if id <= g.lastID {
		id = g.lastID + 1
	}
	g.lastID = id

	g.snapshots = append(g.snapshots, Snapshot{
		SnapshotID:  id,
		TimestampMs: df.Timestamp.UnixMilli(),
		DataFile:    df,
	})
	if over := len(g.snapshots) - g.maxSnapshots; over > 0 {
		g.snapshots = append([]Snapshot(nil), g.snapshots[over:]...)
	}

	return json.MarshalIndent(g.metadata(), "", "  ")
}

// Metadata returns a copy of the current document.
func (g *Generator) Metadata() TableMetadata {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.metadata()
}

func (g *Generator) metadata() TableMetadata {
	tm := TableMetadata{
		FormatVersion: 2,
		TableUUID:     g.tableUUID,
		Location:      g.location,
		Snapshots:     append([]Snapshot(nil), g.snapshots...),
	}
	if n := len(g.snapshots); n > 0 {
		tm.CurrentSnapshotID = g.snapshots[n-1].SnapshotID
	}
	return tm
}
