// Package txlog implements the append-only transaction log. Every
// committed operation batch is serialized as one JSON line and fsync'd
// before the commit is acknowledged; on boot the log is replayed to
// reconstruct the store.
package txlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nooterra/proxy/pkg/types"
)

// Version is the only record version accepted on load.
const Version = 1

// Record is one committed batch.
type Record struct {
	V   int               `json:"v"`
	At  string            `json:"at"`
	Ops []json.RawMessage `json:"ops"`
}

// Log owns the single append-only file for this process.
type Log struct {
	path string
	f    *os.File
}

// Open opens (creating if needed) the log file for appending.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open txlog: %w", err)
	}
	return &Log{path: path, f: f}, nil
}

// Append serializes the batch, writes it as a single line and fsyncs. A
// failed append is fatal for the process: the store mutation cannot be
// made durable.
func (l *Log) Append(at time.Time, ops []json.RawMessage) error {
	rec := Record{V: Version, At: types.FormatTimestamp(at), Ops: ops}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode txlog record: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("write txlog: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("fsync txlog: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	if l.f == nil {
		return nil
	}
	return l.f.Close()
}

// Load reads all records from the log file. A single truncated trailing
// line (torn final write) is tolerated and ignored; any earlier parse
// error, and any record with v != 1, aborts the load. A missing file
// yields no records.
func Load(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open txlog: %w", err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) ([]Record, error) {
	var records []Record
	reader := bufio.NewReader(r)
	lineNo := 0
	for {
		lineNo++
		line, err := reader.ReadBytes('\n')
		atEOF := err == io.EOF
		if err != nil && !atEOF {
			return nil, fmt.Errorf("read txlog line %d: %w", lineNo, err)
		}
		trimmed := bytes.TrimRight(line, "\r\n")
		if len(trimmed) > 0 {
			var rec Record
			if perr := json.Unmarshal(trimmed, &rec); perr != nil {
				if atEOF {
					// Torn trailing write from a crash mid-append.
					return records, nil
				}
				return nil, fmt.Errorf("parse txlog line %d: %w", lineNo, perr)
			}
			if rec.V != Version {
				return nil, fmt.Errorf("txlog line %d: unsupported record version %d", lineNo, rec.V)
			}
			records = append(records, rec)
		}
		if atEOF {
			return records, nil
		}
	}
}
