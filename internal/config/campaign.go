package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/PipeOpsHQ/uq-campaign-go/collate"
	"github.com/PipeOpsHQ/uq-campaign-go/decoders"
	"github.com/PipeOpsHQ/uq-campaign-go/encoders"
	"github.com/PipeOpsHQ/uq-campaign-go/sampling"
	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

const (
	PoolLocal       = "local"
	PoolSync        = "sync"
	PoolDistributed = "distributed"
)

// CampaignFile is the YAML document the CLI initializes a campaign from.
// Relative paths inside it resolve against the file's directory.
type CampaignFile struct {
	Name        string         `yaml:"name"`
	WorkDir     string         `yaml:"work_dir"`
	Concurrency int            `yaml:"concurrency"`
	Flatten     bool           `yaml:"flatten"`
	MaxPolls    int            `yaml:"max_polls"`
	Collater    string         `yaml:"collater"`
	Registry    RegistryConfig `yaml:"registry"`
	App         AppConfig      `yaml:"app"`
	Sampler     SamplerConfig  `yaml:"sampler"`
	Execute     ExecuteConfig  `yaml:"execute"`
	Watch       WatchConfig    `yaml:"watch"`

	dir string
}

type RegistryConfig struct {
	Backend     string `yaml:"backend"`
	SQLitePath  string `yaml:"sqlite_path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type AppConfig struct {
	Name    string        `yaml:"name"`
	Params  yaml.MapSlice `yaml:"params"`
	Encoder EncoderConfig `yaml:"encoder"`
	Decoder DecoderConfig `yaml:"decoder"`
}

type EncoderConfig struct {
	Kind      string          `yaml:"kind"`
	Template  string          `yaml:"template"`
	Source    string          `yaml:"source"`
	Delimiter string          `yaml:"delimiter"`
	Target    string          `yaml:"target"`
	Encoders  []EncoderConfig `yaml:"encoders"`
}

type DecoderConfig struct {
	Kind    string   `yaml:"kind"`
	Target  string   `yaml:"target"`
	Columns []string `yaml:"columns"`
}

// SamplerConfig carries the settings of every sampler kind; only the fields
// of the selected kind are read.
type SamplerConfig struct {
	Kind string `yaml:"kind"`

	Sweep yaml.MapSlice `yaml:"sweep"`

	Vary   yaml.MapSlice `yaml:"vary"`
	Orders []int         `yaml:"orders"`
	Rule   string        `yaml:"rule"`
	Sparse bool          `yaml:"sparse"`
	Level  int           `yaml:"level"`

	File string `yaml:"file"`

	Init yaml.MapSlice      `yaml:"init"`
	Step map[string]float64 `yaml:"step"`
	Seed uint64             `yaml:"seed"`

	// Draw is how many samples `draw` takes by default; zero drains a
	// finite sampler.
	Draw int `yaml:"draw"`
}

type ExecuteConfig struct {
	Command     string            `yaml:"command"`
	Timeout     string            `yaml:"timeout"`
	Env         map[string]string `yaml:"env"`
	Pool        string            `yaml:"pool"`
	Parallel    int               `yaml:"parallel"`
	MaxAttempts int               `yaml:"max_attempts"`
}

type WatchConfig struct {
	Schedule string   `yaml:"schedule"`
	Tasks    []string `yaml:"tasks"`
}

// LoadCampaignFile reads and validates a campaign file.
func LoadCampaignFile(path string) (*CampaignFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign file: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve campaign file: %w", err)
	}
	return ParseCampaignFile(data, filepath.Dir(abs))
}

// ParseCampaignFile parses a campaign document; dir anchors relative paths.
func ParseCampaignFile(data []byte, dir string) (*CampaignFile, error) {
	var f CampaignFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse campaign file: %w", err)
	}
	f.dir = dir
	f.normalize()
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *CampaignFile) normalize() {
	f.Name = strings.TrimSpace(f.Name)
	f.App.Name = strings.TrimSpace(f.App.Name)
	f.Sampler.Kind = strings.ToLower(strings.TrimSpace(f.Sampler.Kind))
	f.Execute.Pool = strings.ToLower(strings.TrimSpace(f.Execute.Pool))
	if f.Execute.Pool == "" {
		f.Execute.Pool = PoolLocal
	}
	if f.Concurrency <= 0 {
		f.Concurrency = 1
	}
	if f.Execute.Parallel <= 0 {
		f.Execute.Parallel = f.Concurrency
	}
	if f.WorkDir != "" {
		f.WorkDir = f.Resolve(f.WorkDir)
	}
	if f.Registry.SQLitePath != "" {
		f.Registry.SQLitePath = f.Resolve(f.Registry.SQLitePath)
	}
}

func (f *CampaignFile) validate() error {
	var problems []string
	if f.Name == "" {
		problems = append(problems, "name is required")
	}
	if f.App.Name == "" {
		problems = append(problems, "app.name is required")
	}
	if len(f.App.Params) == 0 {
		problems = append(problems, "app.params must declare at least one parameter")
	}
	if _, err := collate.ByName(f.Collater); err != nil {
		problems = append(problems, err.Error())
	}
	switch f.Execute.Pool {
	case PoolLocal, PoolSync, PoolDistributed:
	default:
		problems = append(problems, fmt.Sprintf("execute.pool %q is not one of local, sync, distributed", f.Execute.Pool))
	}
	if f.Execute.Timeout != "" {
		if _, err := time.ParseDuration(f.Execute.Timeout); err != nil {
			problems = append(problems, fmt.Sprintf("execute.timeout: %v", err))
		}
	}
	if f.MaxPolls < 0 {
		problems = append(problems, "max_polls must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid campaign file: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Resolve anchors a relative path at the campaign file's directory.
func (f *CampaignFile) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || f.dir == "" {
		return path
	}
	return filepath.Join(f.dir, path)
}

func (f *CampaignFile) ExecuteTimeout() time.Duration {
	d, _ := time.ParseDuration(f.Execute.Timeout)
	return d
}

// Schema builds the app's parameter schema in declaration order.
func (f *CampaignFile) Schema() (*types.ParamSchema, error) {
	schema := types.NewParamSchema()
	for _, item := range f.App.Params {
		name := fmt.Sprint(item.Key)
		var spec types.ParamSpec
		if err := remarshal(item.Value, &spec); err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		spec.Default = normalizeValue(spec.Default)
		for i, v := range spec.Allowed {
			spec.Allowed[i] = normalizeValue(v)
		}
		schema.Set(name, spec)
	}
	return schema, nil
}

func (f *CampaignFile) Encoder() (encoders.Encoder, error) {
	return f.buildEncoder(f.App.Encoder)
}

func (f *CampaignFile) buildEncoder(cfg EncoderConfig) (encoders.Encoder, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "generic", encoders.GenericName:
		return encoders.NewGeneric(f.Resolve(cfg.Template), cfg.Delimiter, cfg.Target)
	case "copy", encoders.CopyName:
		return encoders.NewCopy(f.Resolve(cfg.Source), cfg.Target)
	case "multi", encoders.MultiName:
		parts := make([]encoders.Encoder, 0, len(cfg.Encoders))
		for i, sub := range cfg.Encoders {
			enc, err := f.buildEncoder(sub)
			if err != nil {
				return nil, fmt.Errorf("encoder %d: %w", i, err)
			}
			parts = append(parts, enc)
		}
		return encoders.NewMulti(parts...)
	default:
		return nil, fmt.Errorf("unknown encoder kind %q", cfg.Kind)
	}
}

func (f *CampaignFile) Decoder() (decoders.Decoder, error) {
	cfg := f.App.Decoder
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", decoders.CSVName:
		return decoders.NewCSV(cfg.Target, cfg.Columns)
	case decoders.JSONName:
		return decoders.NewJSON(cfg.Target, cfg.Columns)
	case decoders.YAMLName:
		return decoders.NewYAML(cfg.Target, cfg.Columns)
	default:
		return nil, fmt.Errorf("unknown decoder kind %q", cfg.Kind)
	}
}

// BuildSampler builds the configured sampler from its initial position.
func (f *CampaignFile) BuildSampler() (sampling.Sampler, error) {
	cfg := f.Sampler
	switch cfg.Kind {
	case "sweep", sampling.SweepName:
		def := orderedmap.New[string, []any]()
		for _, item := range cfg.Sweep {
			values, ok := item.Value.([]any)
			if !ok {
				return nil, fmt.Errorf("sweep parameter %v must list its values", item.Key)
			}
			normalized := make([]any, len(values))
			for i, v := range values {
				normalized[i] = normalizeValue(v)
			}
			def.Set(fmt.Sprint(item.Key), normalized)
		}
		return sampling.NewSweep(def)

	case sampling.QuadratureName, "pce", "sc":
		vary := orderedmap.New[string, sampling.Distribution]()
		for _, item := range cfg.Vary {
			var dist sampling.Distribution
			if err := remarshal(item.Value, &dist); err != nil {
				return nil, fmt.Errorf("distribution of %v: %w", item.Key, err)
			}
			vary.Set(fmt.Sprint(item.Key), dist)
		}
		return sampling.NewQuadrature(sampling.QuadratureConfig{
			Vary:   vary,
			Orders: cfg.Orders,
			Rule:   cfg.Rule,
			Sparse: cfg.Sparse,
			Level:  cfg.Level,
		})

	case "csv", sampling.CSVName:
		return sampling.NewCSV(f.Resolve(cfg.File))

	case sampling.MCMCName:
		init := orderedmap.New[string, float64]()
		for _, item := range cfg.Init {
			v, ok := types.ToFloat(normalizeValue(item.Value))
			if !ok {
				return nil, fmt.Errorf("mcmc init value of %v is not a number", item.Key)
			}
			init.Set(fmt.Sprint(item.Key), v)
		}
		return sampling.NewMCMC(init, cfg.Step, cfg.Seed)

	case "":
		return nil, fmt.Errorf("sampler.kind is required")
	default:
		return nil, fmt.Errorf("unknown sampler kind %q", cfg.Kind)
	}
}

func remarshal(in any, out any) error {
	data, err := yaml.Marshal(in)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

// normalizeValue maps the integer widths the YAML decoder produces onto int
// so parameters format and validate like hand-built ones.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case uint64:
		if val <= math.MaxInt64 {
			return int(val)
		}
		return float64(val)
	case int64:
		return int(val)
	case uint32:
		return int(val)
	case int32:
		return int(val)
	default:
		return v
	}
}
