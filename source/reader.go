// Package source reads collector-produced batch files. The collector
// delivers one batch per file as line-oriented JSON records.
package source

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/lakeshed/reddit-medallion/schema"
)

// MalformedLine is a line that could not be decoded as a JSON object.
// It never reaches validation; the coordinator quarantines it directly.
type MalformedLine struct {
	LineNo int
	Raw    string
}

// Batch is one incoming batch of raw records.
//
// ID is derived from the file name, not generated per invocation, so a
// re-run of the same file carries the same batch identity and the run
// ledger can recognize it. RunID identifies the invocation itself.
type Batch struct {
	ID        string
	RunID     string
	Source    string
	Records   []schema.Record
	Malformed []MalformedLine
}

// ReadFile reads one NDJSON batch file. Undecodable lines are collected
// as malformed rather than failing the batch; structural problems with
// decodable records are the validator's concern.
func ReadFile(path string) (*Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open batch file: %w", err)
	}
	defer f.Close()

	batch := &Batch{
		ID:     BatchID(path),
		RunID:  uuid.NewString(),
		Source: path,
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := decodeRecord(line)
		if err != nil {
			batch.Malformed = append(batch.Malformed, MalformedLine{LineNo: lineNo, Raw: string(line)})
			continue
		}
		batch.Records = append(batch.Records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}
	return batch, nil
}

// BatchID derives the stable batch identity from a file path.
func BatchID(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)]
}

func decodeRecord(line []byte) (schema.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}

	rec := make(schema.Record, len(fields))
	for name, raw := range fields {
		v, err := schema.FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		rec[name] = v
	}
	return rec, nil
}
