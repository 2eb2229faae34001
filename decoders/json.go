package decoders

import (
	"encoding/json"
	"fmt"

	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

const JSONName = "json"

// JSONDecoder extracts output columns from a JSON document. Columns are
// dotted paths into nested objects.
type JSONDecoder struct {
	TargetFilename string
	Columns        []string
}

func NewJSON(target string, columns []string) (*JSONDecoder, error) {
	if err := validateTarget(target); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("json decoder needs output columns")
	}
	return &JSONDecoder{TargetFilename: target, Columns: append([]string(nil), columns...)}, nil
}

func RestoreJSON(desc types.Descriptor) (*JSONDecoder, error) {
	return NewJSON(desc.String("target_filename"), desc.Strings("output_columns"))
}

func (d *JSONDecoder) Name() string { return JSONName }

func (d *JSONDecoder) OutputColumns() []string { return append([]string(nil), d.Columns...) }

func (d *JSONDecoder) OutputFile() string { return d.TargetFilename }

func (d *JSONDecoder) SimComplete(dir string) bool {
	raw, ok := readOutput(dir, d.TargetFilename)
	return ok && json.Valid(raw)
}

func (d *JSONDecoder) ParseSimOutput(dir string) (types.Record, error) {
	raw, ok := readOutput(dir, d.TargetFilename)
	if !ok {
		return nil, fmt.Errorf("%w: output %q not written", ErrDecoding, d.TargetFilename)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %q: %v", ErrDecoding, d.TargetFilename, err)
	}
	return extract(doc, d.Columns, d.TargetFilename)
}

func (d *JSONDecoder) Descriptor() types.Descriptor {
	return types.Descriptor{
		"decoder":         JSONName,
		"target_filename": d.TargetFilename,
		"output_columns":  encodeColumns(d.Columns),
	}
}

func extract(doc any, columns []string, target string) (types.Record, error) {
	record := make(types.Record, len(columns))
	for _, col := range columns {
		v, ok := lookup(doc, col)
		if !ok {
			return nil, fmt.Errorf("%w: %q has no value at %q", ErrDecoding, target, col)
		}
		record[col] = normalize(v)
	}
	return record, nil
}
