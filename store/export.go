package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// snapshotRecord is one line in the export stream.
type snapshotRecord struct {
	Delivery *DeliveryEntry `json:"delivery,omitempty"`
	Artifact *ArtifactEntry `json:"artifact,omitempty"`
}

// Export writes a snapshot of both tables to w as zstd-compressed
// JSON lines. The snapshot is taken per table, not transactionally
// across tables.
func (c *Catalog) Export(w io.Writer) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("creating zstd writer: %w", err)
	}

	enc := json.NewEncoder(zw)

	for _, entry := range c.delivery.List() {
		if err := enc.Encode(snapshotRecord{Delivery: &entry}); err != nil {
			_ = zw.Close()
			return fmt.Errorf("encoding delivery entry: %w", err)
		}
	}
	for _, entry := range c.artifacts.List() {
		if err := enc.Encode(snapshotRecord{Artifact: &entry}); err != nil {
			_ = zw.Close()
			return fmt.Errorf("encoding artifact entry: %w", err)
		}
	}

	return zw.Close()
}

// Import reads a snapshot produced by Export and merges it into the
// catalog. Existing entries with the same key are overwritten.
func (c *Catalog) Import(r io.Reader) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("creating zstd reader: %w", err)
	}
	defer zr.Close()

	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec snapshotRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("decoding snapshot record: %w", err)
		}
		switch {
		case rec.Delivery != nil:
			c.delivery.Put(*rec.Delivery)
		case rec.Artifact != nil:
			c.artifacts.Put(*rec.Artifact)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	return nil
}
