package decoders

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

// ErrDecoding marks output that exists and looks complete but cannot be
// turned into a record.
var ErrDecoding = errors.New("decoding failed")

type Decoder interface {
	Name() string
	// SimComplete reports whether the run's output is fully written. A missing,
	// empty or unparseable file is not complete yet.
	SimComplete(dir string) bool
	ParseSimOutput(dir string) (types.Record, error)
	OutputColumns() []string
	// OutputFile is the file, relative to the run directory, the decoder
	// reads.
	OutputFile() string
	Descriptor() types.Descriptor
}

type Constructor func(desc types.Descriptor) (Decoder, error)

type Registry struct {
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	r := &Registry{constructors: map[string]Constructor{}}
	r.Register(CSVName, func(desc types.Descriptor) (Decoder, error) { return RestoreCSV(desc) })
	r.Register(JSONName, func(desc types.Descriptor) (Decoder, error) { return RestoreJSON(desc) })
	r.Register(YAMLName, func(desc types.Descriptor) (Decoder, error) { return RestoreYAML(desc) })
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

func (r *Registry) Restore(desc types.Descriptor) (Decoder, error) {
	name := desc.String("decoder")
	if name == "" {
		return nil, fmt.Errorf("decoder descriptor has no decoder name")
	}
	ctor, ok := r.constructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown decoder %q (known: %s)", name, strings.Join(r.Names(), ", "))
	}
	return ctor(desc)
}

func readOutput(dir, target string) ([]byte, bool) {
	raw, err := os.ReadFile(filepath.Join(dir, target))
	if err != nil || len(strings.TrimSpace(string(raw))) == 0 {
		return nil, false
	}
	return raw, true
}

// encodeColumns stores a column list as a JSON array so names containing
// commas survive a restore.
func encodeColumns(columns []string) string {
	if len(columns) == 0 {
		return "[]"
	}
	raw, _ := json.Marshal(columns)
	return string(raw)
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

// lookup walks a dotted path through nested documents.
func lookup(doc any, path string) (any, bool) {
	current := doc
	for _, key := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[key]
			if !ok {
				return nil, false
			}
			current = next
		case map[any]any:
			next, ok := node[key]
			if !ok {
				return nil, false
			}
			current = next
		default:
			return nil, false
		}
	}
	return current, true
}

// normalize folds the numeric types produced by the different parsers into
// float64 so records compare the same regardless of output format.
func normalize(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	default:
		return v
	}
}
