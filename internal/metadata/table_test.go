package metadata

import (
	"encoding/json"
	"testing"
	"time"
)

func TestGeneratorTracksFiles(t *testing.T) {
	gen := NewGenerator("s3://books/summaries/symbol=ethbtc", 0)
	ts := time.Unix(1700000000, 0)

	for i := 0; i < 2; i++ {
		doc, err := gen.AddFile(DataFile{
			Path:        "s3://books/summaries/symbol=ethbtc/year=2023/file.parquet",
			FileSize:    100,
			RecordCount: 10,
			Partition:   map[string]string{"symbol": "ethbtc", "date": "2023-11-14"},
			Timestamp:   ts,
		})
		if err != nil {
			t.Fatalf("AddFile: %v", err)
		}
		var tm TableMetadata
		if err := json.Unmarshal(doc, &tm); err != nil {
			t.Fatalf("decode metadata: %v", err)
		}
		if len(tm.Snapshots) != i+1 {
			t.Fatalf("expected %d snapshots, got %d", i+1, len(tm.Snapshots))
		}
		if tm.CurrentSnapshotID != tm.Snapshots[i].SnapshotID {
			t.Fatalf("current snapshot %d is not the newest", tm.CurrentSnapshotID)
		}
	}

	tm := gen.Metadata()
	// same timestamp twice still yields distinct ids
	if tm.Snapshots[0].SnapshotID >= tm.Snapshots[1].SnapshotID {
		t.Fatalf("snapshot ids not increasing: %+v", tm.Snapshots)
	}
	if tm.FormatVersion != 2 || tm.TableUUID == "" {
		t.Fatalf("unexpected header: %+v", tm)
	}
}

func TestGeneratorRetainsNewest(t *testing.T) {
	gen := NewGenerator("s3://books", 2)
	for i := 0; i < 5; i++ {
		if _, err := gen.AddFile(DataFile{RecordCount: int64(i), Timestamp: time.Unix(int64(i), 0)}); err != nil {
			t.Fatalf("AddFile: %v", err)
		}
	}
	tm := gen.Metadata()
	if len(tm.Snapshots) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(tm.Snapshots))
	}
	if tm.Snapshots[0].DataFile.RecordCount != 3 || tm.Snapshots[1].DataFile.RecordCount != 4 {
		t.Fatalf("unexpected retained snapshots: %+v", tm.Snapshots)
	}
}
