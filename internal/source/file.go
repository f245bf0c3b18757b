// Package source provides the raw-record inputs of the pipeline: a local
// GKG extract file or a Kafka topic carrying one record per message.
package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/otb-data/gkg-ingest/internal/gkg"
)

// maxLineBytes bounds a single GKG line; SOURCEURLS columns get long.
const maxLineBytes = 4 << 20

// File reads one record per line from a GKG extract on disk.
type File struct {
	name    string
	f       *os.File
	scanner *bufio.Scanner
	line    int64
}

// OpenFile opens a GKG extract for reading.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)

	return &File{
		name:    filepath.Base(path),
		f:       f,
		scanner: scanner,
	}, nil
}

// Next returns the next record or io.EOF when the file is exhausted.
// Blank lines are skipped but still advance the line offset.
func (s *File) Next(ctx context.Context) (gkg.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return gkg.Record{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return gkg.Record{}, fmt.Errorf("read input: %w", err)
			}
			return gkg.Record{}, io.EOF
		}
		s.line++
		if len(s.scanner.Bytes()) == 0 {
			continue
		}
		return gkg.Record{
			Line:   s.scanner.Text(),
			Source: s.name,
			Offset: s.line,
		}, nil
	}
}

// Close releases the file handle.
func (s *File) Close() error {
	return s.f.Close()
}
