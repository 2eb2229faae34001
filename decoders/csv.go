package decoders

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

const CSVName = "csv"

// SimpleCSV reads a headed CSV file. A single data row yields scalar values;
// several rows yield one list per column.
type SimpleCSV struct {
	TargetFilename string
	Columns        []string
	Delimiter      rune
}

func NewCSV(target string, columns []string) (*SimpleCSV, error) {
	if err := validateTarget(target); err != nil {
		return nil, err
	}
	return &SimpleCSV{TargetFilename: target, Columns: append([]string(nil), columns...), Delimiter: ','}, nil
}

func RestoreCSV(desc types.Descriptor) (*SimpleCSV, error) {
	d, err := NewCSV(desc.String("target_filename"), desc.Strings("output_columns"))
	if err != nil {
		return nil, err
	}
	if delim := desc.String("delimiter"); delim != "" {
		d.Delimiter = []rune(delim)[0]
	}
	return d, nil
}

func (d *SimpleCSV) Name() string { return CSVName }

func (d *SimpleCSV) OutputColumns() []string { return append([]string(nil), d.Columns...) }

func (d *SimpleCSV) OutputFile() string { return d.TargetFilename }

func (d *SimpleCSV) read(dir string) ([][]string, error) {
	raw, ok := readOutput(dir, d.TargetFilename)
	if !ok {
		return nil, fmt.Errorf("output %q not written", d.TargetFilename)
	}
	reader := csv.NewReader(bytes.NewReader(raw))
	if d.Delimiter != 0 {
		reader.Comma = d.Delimiter
	}
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("output %q has no data rows", d.TargetFilename)
	}
	return rows, nil
}

func (d *SimpleCSV) SimComplete(dir string) bool {
	_, err := d.read(dir)
	return err == nil
}

func (d *SimpleCSV) ParseSimOutput(dir string) (types.Record, error) {
	rows, err := d.read(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecoding, err)
	}
	header := rows[0]
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	columns := d.Columns
	if len(columns) == 0 {
		columns = header
	}

	record := make(types.Record, len(columns))
	for _, col := range columns {
		i, ok := index[col]
		if !ok {
			return nil, fmt.Errorf("%w: column %q missing from %q", ErrDecoding, col, d.TargetFilename)
		}
		values := make([]any, 0, len(rows)-1)
		for _, row := range rows[1:] {
			values = append(values, parseCell(row[i]))
		}
		if len(values) == 1 {
			record[col] = values[0]
		} else {
			record[col] = values
		}
	}
	return record, nil
}

func (d *SimpleCSV) Descriptor() types.Descriptor {
	desc := types.Descriptor{
		"decoder":         CSVName,
		"target_filename": d.TargetFilename,
		"output_columns":  encodeColumns(d.Columns),
	}
	if d.Delimiter != 0 && d.Delimiter != ',' {
		desc["delimiter"] = string(d.Delimiter)
	}
	return desc
}

func parseCell(cell string) any {
	cell = strings.TrimSpace(cell)
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return f
	}
	return cell
}
