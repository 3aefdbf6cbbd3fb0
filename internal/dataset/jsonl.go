package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// maxLineCapacity bounds one JSONL row. HotpotQA rows with ten contexts run
// to a few hundred kilobytes.
const maxLineCapacity = 16 * 1024 * 1024

// row is an undecoded JSONL line and its 0-based position in the file.
type row struct {
	index int
	raw   json.RawMessage
}

func readRows(path string) ([]row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	defer f.Close()

	var rows []row
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineCapacity)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			return nil, fmt.Errorf("%w: %s: line %d is not valid JSON", ErrUnreadable, path, lineNum)
		}
		rows = append(rows, row{index: len(rows), raw: append(json.RawMessage(nil), line...)})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrUnreadable, path, err)
	}
	return rows, nil
}

func decodeRow(r row, into any) error {
	if err := json.Unmarshal(r.raw, into); err != nil {
		return fmt.Errorf("%w: decoding row %d: %w", ErrUnreadable, r.index, err)
	}
	return nil
}
