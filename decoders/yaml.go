package decoders

import (
	"fmt"

	"github.com/goccy/go-yaml"

	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

const YAMLName = "yaml"

type YAMLDecoder struct {
	TargetFilename string
	Columns        []string
}

func NewYAML(target string, columns []string) (*YAMLDecoder, error) {
	if err := validateTarget(target); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("yaml decoder needs output columns")
	}
	return &YAMLDecoder{TargetFilename: target, Columns: append([]string(nil), columns...)}, nil
}

func RestoreYAML(desc types.Descriptor) (*YAMLDecoder, error) {
	return NewYAML(desc.String("target_filename"), desc.Strings("output_columns"))
}

func (d *YAMLDecoder) Name() string { return YAMLName }

func (d *YAMLDecoder) OutputColumns() []string { return append([]string(nil), d.Columns...) }

func (d *YAMLDecoder) OutputFile() string { return d.TargetFilename }

func (d *YAMLDecoder) parse(dir string) (any, error) {
	raw, ok := readOutput(dir, d.TargetFilename)
	if !ok {
		return nil, fmt.Errorf("output %q not written", d.TargetFilename)
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("output %q is empty", d.TargetFilename)
	}
	return doc, nil
}

func (d *YAMLDecoder) SimComplete(dir string) bool {
	_, err := d.parse(dir)
	return err == nil
}

func (d *YAMLDecoder) ParseSimOutput(dir string) (types.Record, error) {
	doc, err := d.parse(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecoding, err)
	}
	return extract(doc, d.Columns, d.TargetFilename)
}

func (d *YAMLDecoder) Descriptor() types.Descriptor {
	return types.Descriptor{
		"decoder":         YAMLName,
		"target_filename": d.TargetFilename,
		"output_columns":  encodeColumns(d.Columns),
	}
}
