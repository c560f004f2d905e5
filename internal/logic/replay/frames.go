package replay

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Column names expected in the header row.
const (
	ColumnFrameID = "frame_id"
	ColumnErrorX  = "error_x"
)

// Frame is one recorded tracking error.
type Frame struct {
	ID     int
	ErrorX float64
}

// LoadFile reads every frame of a replay file.
func LoadFile(path string) ([]Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()

	frames, err := ReadFrames(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return frames, nil
}

// ReadFrames parses a tab- or comma-separated table with a header row naming
// the frame_id and error_x columns. The delimiter is taken from the header.
func ReadFrames(r io.Reader) ([]Frame, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4096)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, err
	}

	cr := csv.NewReader(br)
	cr.Comma = detectDelimiter(head)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty replay file")
	}
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	idCol, errCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case ColumnFrameID:
			idCol = i
		case ColumnErrorX:
			errCol = i
		}
	}
	if idCol < 0 || errCol < 0 {
		return nil, fmt.Errorf("header %q must name %s and %s", header, ColumnFrameID, ColumnErrorX)
	}

	var frames []Frame
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line, _ := cr.FieldPos(0)
		if len(rec) <= idCol || len(rec) <= errCol {
			return nil, fmt.Errorf("line %d: expected at least %d fields, got %d", line, max(idCol, errCol)+1, len(rec))
		}
		id, err := strconv.Atoi(strings.TrimSpace(rec[idCol]))
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", line, ColumnFrameID, err)
		}
		ex, err := strconv.ParseFloat(strings.TrimSpace(rec[errCol]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", line, ColumnErrorX, err)
		}
		frames = append(frames, Frame{ID: id, ErrorX: ex})
	}
	return frames, nil
}

// detectDelimiter picks tab unless the first line has commas and no tabs.
func detectDelimiter(head []byte) rune {
	first := string(head)
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	if !strings.Contains(first, "\t") && strings.Contains(first, ",") {
		return ','
	}
	return '\t'
}
