// Package table is fdedup's only concrete data-access collaborator: it
// lists and reads row-group Parquet files under a directory (table.Source)
// and writes the filtered, cluster-annotated output alongside a JSON
// metadata document (table.Sink), generalizing
// pkg/utils/parquet_writer.go's per-call parquet.WriteFile usage from a
// fixed graph schema to fdedup's doc/contents/cluster schema.
package table

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/parquet-go/parquet-go"
)

// Row is the on-disk shape of one input document. Column names are fixed
// (doc_id, contents, extra) rather than driven by config.ColumnConfig's
// doc_column/id_column, because a parquet struct tag is resolved at
// compile time; Source.Read does not check the configured column names
// against the file. Arbitrary
// companion columns are preserved by round-tripping them through Extra, a
// JSON-encoded object, following parquet_writer.go's own convention of
// packing irregular data into a single JSON string column rather than
// computing a dynamic schema.
type Row struct {
	DocID    int64  `parquet:"doc_id"`
	Contents string `parquet:"contents"`
	Extra    string `parquet:"extra"` // JSON object of every column besides doc_id/contents
}

// FilteredRow is a Row plus the cluster id assigned by the bucket
// resolution phase. Only surviving rows are ever written as FilteredRow.
type FilteredRow struct {
	DocID     int64  `parquet:"doc_id"`
	Contents  string `parquet:"contents"`
	ClusterID int64  `parquet:"cluster_id"`
	Extra     string `parquet:"extra"`
}

// TableStats carries the per-table counts the filter stage reports.
type TableStats struct {
	Path            string `json:"path"`
	SourceDocuments int    `json:"source_documents"`
	ResultDocuments int    `json:"result_documents"`
	SchemaErr       string `json:"schema_error,omitempty"`
}

// Metadata is the process-wide document emitted at the end of a run.
type Metadata struct {
	Buckets         int64        `json:"buckets"`
	Docs            int64        `json:"docs"`
	RemovedDocs     int64        `json:"removed_docs"`
	Minhashes       int64        `json:"minhashes"`
	HashMemoryBytes int64        `json:"hash_memory_bytes"`
	DedupPercentage float64      `json:"dedup_percentage"`
	SourceDocuments int          `json:"source_documents"`
	ResultDocuments int          `json:"result_documents"`
	Tables          []TableStats `json:"tables"`
}

// Source lists and opens row-group Parquet files under a directory.
type Source struct {
	dir string
}

// NewSource binds a Source to dir. dir must already exist; it is not
// created here since a missing input directory is a configuration error,
// not a runtime one to paper over.
func NewSource(dir string) *Source {
	return &Source{dir: dir}
}

// List returns every *.parquet file directly under the source directory,
// sorted for deterministic iteration order (permutation-invariance is a
// correctness property of the pipeline, not just a nicety — see
// pkg/dedup/pipeline).
func (s *Source) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("table: list %s: %w", s.dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".parquet" {
			continue
		}
		paths = append(paths, filepath.Join(s.dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// Read loads every row of the Parquet file at path.
func (s *Source) Read(path string) ([]Row, error) {
	rows, err := parquet.ReadFile[Row](path)
	if err != nil {
		return nil, fmt.Errorf("table: read %s: %w", path, err)
	}
	return rows, nil
}

// Sink writes the filtered, cluster-annotated output tables plus the
// run-wide metadata document.
type Sink struct {
	dir string
}

// NewSink binds a Sink to an output directory, creating it if absent.
func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("table: create output dir %s: %w", dir, err)
	}
	return &Sink{dir: dir}, nil
}

// WriteTable writes rows to name under the sink's directory, mirroring
// parquet_writer.go's one-file-per-call shape rather than a single
// long-lived writer, since a full table's filtered rows are always
// available in memory by the time Filter finishes one input table.
func (s *Sink) WriteTable(name string, rows []FilteredRow) error {
	path := filepath.Join(s.dir, name)
	if err := parquet.WriteFile(path, rows); err != nil {
		return fmt.Errorf("table: write %s: %w", path, err)
	}
	return nil
}

// WriteMetadata emits the process-wide metadata document as metadata.json
// alongside the output tables, matching pkg/checkpoint's JSON-on-disk
// persistence style.
func (s *Sink) WriteMetadata(meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("table: marshal metadata: %w", err)
	}
	path := filepath.Join(s.dir, "metadata.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("table: write %s: %w", path, err)
	}
	return nil
}

// OutputName derives an output table's filename from its source path,
// keeping the base name so a reader can match inputs to outputs by name.
func OutputName(sourcePath string) string {
	return filepath.Base(sourcePath)
}
