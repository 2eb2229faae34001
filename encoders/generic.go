package encoders

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

const GenericName = "generic_template"

const defaultDelimiter = "$"

// GenericEncoder substitutes parameter values into a text template.
// References are written as <delim>name or <delim>{name}; a doubled
// delimiter produces a literal one.
type GenericEncoder struct {
	TemplateFile   string
	Template       string
	Delimiter      string
	TargetFilename string

	pattern *regexp.Regexp
}

func NewGeneric(templateFile, delimiter, target string) (*GenericEncoder, error) {
	e := &GenericEncoder{TemplateFile: templateFile, Delimiter: delimiter, TargetFilename: target}
	if err := e.init(); err != nil {
		return nil, err
	}
	return e, nil
}

func RestoreGeneric(desc types.Descriptor) (*GenericEncoder, error) {
	e := &GenericEncoder{
		TemplateFile:   desc.String("template_file"),
		Template:       desc.String("template"),
		Delimiter:      desc.String("delimiter"),
		TargetFilename: desc.String("target_filename"),
	}
	if err := e.init(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *GenericEncoder) init() error {
	if e.Delimiter == "" {
		e.Delimiter = defaultDelimiter
	}
	if err := validateTarget(e.TargetFilename); err != nil {
		return err
	}
	if e.TemplateFile == "" && e.Template == "" {
		return fmt.Errorf("generic encoder needs a template or template file")
	}
	d := regexp.QuoteMeta(e.Delimiter)
	e.pattern = regexp.MustCompile(d + `(?:(` + d + `)|([_a-zA-Z][_a-zA-Z0-9]*)|\{([_a-zA-Z][_a-zA-Z0-9]*)\}|)`)
	return nil
}

func (e *GenericEncoder) Name() string { return GenericName }

func (e *GenericEncoder) source() (string, error) {
	if e.Template != "" {
		return e.Template, nil
	}
	raw, err := os.ReadFile(e.TemplateFile)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read template %q: %v", ErrEncoding, e.TemplateFile, err)
	}
	return string(raw), nil
}

// Render substitutes params into the template text.
func (e *GenericEncoder) Render(params types.Params) (string, error) {
	if e.pattern == nil {
		if err := e.init(); err != nil {
			return "", err
		}
	}
	tmpl, err := e.source()
	if err != nil {
		return "", err
	}
	var (
		missing []string
		badFmt  []string
		invalid int
	)
	out := e.pattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		parts := e.pattern.FindStringSubmatch(match)
		if parts[1] != "" {
			return e.Delimiter
		}
		name := parts[2]
		if name == "" {
			name = parts[3]
		}
		if name == "" {
			invalid++
			return match
		}
		value, ok := params[name]
		if !ok {
			missing = append(missing, name)
			return ""
		}
		formatted, err := types.FormatValue(value)
		if err != nil {
			badFmt = append(badFmt, name+": "+err.Error())
			return ""
		}
		return formatted
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: template references undeclared parameters: %s", ErrEncoding, strings.Join(unique(missing), ", "))
	}
	if len(badFmt) > 0 {
		return "", fmt.Errorf("%w: cannot format values: %s", ErrEncoding, strings.Join(badFmt, "; "))
	}
	if invalid > 0 {
		return "", fmt.Errorf("%w: template has %d invalid %q placeholder(s)", ErrEncoding, invalid, e.Delimiter)
	}
	return out, nil
}

func (e *GenericEncoder) Encode(params types.Params, dir string) error {
	text, err := e.Render(params)
	if err != nil {
		return err
	}
	target := filepath.Join(dir, e.TargetFilename)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("%w: failed to create %q: %v", ErrEncoding, filepath.Dir(target), err)
	}
	if err := writeFileAtomic(target, []byte(text), 0o644); err != nil {
		return fmt.Errorf("%w: failed to write %q: %v", ErrEncoding, target, err)
	}
	return nil
}

func (e *GenericEncoder) Descriptor() types.Descriptor {
	desc := types.Descriptor{
		"encoder":         GenericName,
		"delimiter":       e.Delimiter,
		"target_filename": e.TargetFilename,
	}
	if e.TemplateFile != "" {
		desc["template_file"] = e.TemplateFile
	} else {
		desc["template"] = e.Template
	}
	return desc
}

func unique(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
