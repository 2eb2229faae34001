package encoders

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

const CopyName = "copy_encoder"

// CopyEncoder places a fixed file into every run directory.
type CopyEncoder struct {
	SourceFilename string
	TargetFilename string
}

func NewCopy(source, target string) (*CopyEncoder, error) {
	if source == "" {
		return nil, fmt.Errorf("copy encoder needs a source file")
	}
	if target == "" {
		target = filepath.Base(source)
	}
	if err := validateTarget(target); err != nil {
		return nil, err
	}
	return &CopyEncoder{SourceFilename: source, TargetFilename: target}, nil
}

func RestoreCopy(desc types.Descriptor) (*CopyEncoder, error) {
	return NewCopy(desc.String("source_filename"), desc.String("target_filename"))
}

func (e *CopyEncoder) Name() string { return CopyName }

func (e *CopyEncoder) Encode(params types.Params, dir string) error {
	_ = params
	raw, err := os.ReadFile(e.SourceFilename)
	if err != nil {
		return fmt.Errorf("%w: failed to read %q: %v", ErrEncoding, e.SourceFilename, err)
	}
	target := filepath.Join(dir, e.TargetFilename)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("%w: failed to create %q: %v", ErrEncoding, filepath.Dir(target), err)
	}
	if err := writeFileAtomic(target, raw, 0o644); err != nil {
		return fmt.Errorf("%w: failed to write %q: %v", ErrEncoding, target, err)
	}
	return nil
}

func (e *CopyEncoder) Descriptor() types.Descriptor {
	return types.Descriptor{
		"encoder":         CopyName,
		"source_filename": e.SourceFilename,
		"target_filename": e.TargetFilename,
	}
}
