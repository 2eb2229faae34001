package sampling

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

const CSVName = "csv_sampler"

// CSV replays the rows of a CSV file. The header row names the parameters.
// Numeric cells become float64, everything else stays a string.
type CSV struct {
	filename string
	header   []string
	rows     [][]string
	counter  int
}

func NewCSV(filename string) (*CSV, error) {
	f, err := os.Open(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("csv file %q does not exist", filename)
		}
		return nil, fmt.Errorf("failed to open csv file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("csv file %q has no header", filename)
		}
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	s := &CSV{filename: filename}
	for _, h := range header {
		s.header = append(s.header, strings.TrimSpace(h))
	}
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv row %d: %w", len(s.rows)+1, err)
		}
		s.rows = append(s.rows, row)
	}
	return s, nil
}

func RestoreCSV(desc types.Descriptor) (*CSV, error) {
	s, err := NewCSV(desc.String("filename"))
	if err != nil {
		return nil, err
	}
	if counter, ok := desc.Int("counter"); ok {
		if counter < 0 || counter > len(s.rows) {
			return nil, fmt.Errorf("csv counter %d out of range [0,%d]", counter, len(s.rows))
		}
		s.counter = counter
	}
	return s, nil
}

func (s *CSV) Name() string   { return CSVName }
func (s *CSV) IsFinite() bool { return true }
func (s *CSV) Count() int     { return len(s.rows) }

func (s *CSV) Next() (types.Params, error) {
	if s.counter >= len(s.rows) {
		return nil, ErrExhausted
	}
	row := s.rows[s.counter]
	params := make(types.Params, len(s.header))
	for i, name := range s.header {
		if i >= len(row) {
			break
		}
		cell := strings.TrimSpace(row[i])
		if f, err := strconv.ParseFloat(cell, 64); err == nil {
			params[name] = f
		} else {
			params[name] = cell
		}
	}
	s.counter++
	return params, nil
}

func (s *CSV) Descriptor() types.Descriptor {
	return types.Descriptor{
		"sampler":  CSVName,
		"filename": s.filename,
		"counter":  s.counter,
	}
}
