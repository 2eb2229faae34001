package encoders

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

// ErrEncoding marks a per-run failure to render inputs. The run goes FAILED;
// the rest of the batch continues.
var ErrEncoding = errors.New("encoding failed")

type Encoder interface {
	Name() string
	// Encode writes the encoder's target file(s) into dir. It must be safe to
	// call again on the same directory.
	Encode(params types.Params, dir string) error
	Descriptor() types.Descriptor
}

type Constructor func(desc types.Descriptor, r *Registry) (Encoder, error)

type Registry struct {
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	r := &Registry{constructors: map[string]Constructor{}}
	r.Register(GenericName, func(desc types.Descriptor, _ *Registry) (Encoder, error) { return RestoreGeneric(desc) })
	r.Register(CopyName, func(desc types.Descriptor, _ *Registry) (Encoder, error) { return RestoreCopy(desc) })
	r.Register(MultiName, func(desc types.Descriptor, r *Registry) (Encoder, error) { return RestoreMulti(desc, r) })
	return r
}

func (r *Registry) Register(name string, ctor Constructor) {
	name = strings.TrimSpace(name)
	if name == "" || ctor == nil {
		return
	}
	r.constructors[name] = ctor
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Restore(desc types.Descriptor) (Encoder, error) {
	name := desc.String("encoder")
	if name == "" {
		return nil, fmt.Errorf("encoder descriptor has no encoder name")
	}
	ctor, ok := r.constructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown encoder %q (known: %s)", name, strings.Join(r.Names(), ", "))
	}
	return ctor(desc, r)
}

// writeFileAtomic replaces path in one rename so a retried encode never
// leaves a half-written input behind.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func validateTarget(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("target filename is required")
	}
	if filepath.IsAbs(name) || strings.HasPrefix(filepath.Clean(name), "..") {
		return fmt.Errorf("target filename %q must stay inside the run directory", name)
	}
	return nil
}
