package tune

import (
	"fmt"
	"math"
	"strings"

	"gopkg.in/yaml.v3"
)

// DType names how a raw optimizer coordinate is interpreted.
type DType string

const (
	DTypeFloat DType = "float"
	DTypeInt   DType = "int"
	DTypeBool  DType = "bool"
	DTypeEnum  DType = "enum"
	DTypeRatio DType = "ratio"
)

// ValidDTypes is the set of recognized field dtypes. Empty means float.
var ValidDTypes = map[DType]bool{"": true, DTypeFloat: true, DTypeInt: true, DTypeBool: true, DTypeEnum: true, DTypeRatio: true}

// Pseudo-fields that steer the benchmark rather than the server.
const (
	FieldConcurrency = "CONCURRENCY"
	FieldRequestRate = "REQUESTRATE"
)

// PositionEnv marks a field that is exported as an environment variable.
const PositionEnv = "env"

// ConfigField describes one tunable dimension of the target server.
type ConfigField struct {
	Name           string
	ConfigPosition string
	Min            float64
	Max            float64
	DType          DType
	// Base is the field whose resolved value scales a ratio field.
	Base string
	// Choices are the discrete values of an enum field, ascending.
	Choices []float64
	// Labels, when set, name the enum choices; choice i renders as Labels[i].
	Labels []string
	// Value is the server default, used for the baseline run.
	Value float64
}

type configFieldYAML struct {
	Name           string    `yaml:"name"`
	ConfigPosition string    `yaml:"config_position"`
	Min            float64   `yaml:"min"`
	Max            float64   `yaml:"max"`
	DType          DType     `yaml:"dtype"`
	DTypeParam     yaml.Node `yaml:"dtype_param"`
	Value          *float64  `yaml:"value"`
}

// UnmarshalYAML decodes dtype_param as either a base field name or a choice list.
func (f *ConfigField) UnmarshalYAML(node *yaml.Node) error {
	var raw configFieldYAML
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*f = ConfigField{
		Name:           raw.Name,
		ConfigPosition: raw.ConfigPosition,
		Min:            raw.Min,
		Max:            raw.Max,
		DType:          raw.DType,
		Value:          raw.Min,
	}
	if raw.Value != nil {
		f.Value = *raw.Value
	}
	switch raw.DTypeParam.Kind {
	case 0:
	case yaml.ScalarNode:
		f.Base = raw.DTypeParam.Value
	case yaml.SequenceNode:
		var nums []float64
		if err := raw.DTypeParam.Decode(&nums); err == nil {
			f.Choices = nums
			break
		}
		var labels []string
		if err := raw.DTypeParam.Decode(&labels); err != nil {
			return fmt.Errorf("field %q: dtype_param must be a list of numbers or strings", raw.Name)
		}
		f.Labels = labels
		f.Choices = make([]float64, len(labels))
		for i := range labels {
			f.Choices[i] = float64(i)
		}
	default:
		return fmt.Errorf("field %q: unsupported dtype_param", raw.Name)
	}
	return nil
}

// MarshalYAML writes the field in the same shape UnmarshalYAML reads.
func (f ConfigField) MarshalYAML() (interface{}, error) {
	out := map[string]interface{}{
		"name":            f.Name,
		"config_position": f.ConfigPosition,
		"min":             f.Min,
		"max":             f.Max,
		"value":           f.Value,
	}
	if f.DType != "" {
		out["dtype"] = string(f.DType)
	}
	switch {
	case f.Base != "":
		out["dtype_param"] = f.Base
	case len(f.Labels) > 0:
		out["dtype_param"] = f.Labels
	case len(f.Choices) > 0:
		out["dtype_param"] = f.Choices
	}
	return out, nil
}

// Degenerate reports whether the field is fixed (min == max) and excluded from search.
func (f ConfigField) Degenerate() bool {
	return f.Min == f.Max
}

func (f ConfigField) dtype() DType {
	if f.DType == "" {
		return DTypeFloat
	}
	return f.DType
}

// Fields is an ordered tuple of ConfigFields. Order matters: ratio fields
// must come after their base field.
type Fields []ConfigField

// Validate checks bounds, dtype parameters and ratio ordering.
func (fs Fields) Validate() error {
	seen := make(map[string]bool, len(fs))
	for _, f := range fs {
		if f.Name == "" {
			return fmt.Errorf("field with empty name")
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate field %q", f.Name)
		}
		if !ValidDTypes[f.DType] {
			return &ConfigResolutionError{Field: f.Name, Reason: fmt.Sprintf("unknown dtype %q", f.DType)}
		}
		if math.IsNaN(f.Min) || math.IsNaN(f.Max) || f.Min > f.Max {
			return fmt.Errorf("field %q: min %v must not exceed max %v", f.Name, f.Min, f.Max)
		}
		switch f.dtype() {
		case DTypeEnum:
			if len(f.Choices) == 0 {
				return fmt.Errorf("field %q: enum requires dtype_param choices", f.Name)
			}
			for i := 1; i < len(f.Choices); i++ {
				if !(f.Choices[i] > f.Choices[i-1]) {
					return fmt.Errorf("field %q: enum choices must be strictly ascending, got %v", f.Name, f.Choices)
				}
			}
		case DTypeRatio:
			if f.Base == "" {
				return fmt.Errorf("field %q: ratio requires dtype_param naming its base field", f.Name)
			}
			if !seen[f.Base] {
				return &ConfigResolutionError{Field: f.Name, Reason: fmt.Sprintf("base field %q must be declared before it", f.Base)}
			}
		}
		seen[f.Name] = true
	}
	return nil
}

// Index returns the position of the named field, or -1.
func (fs Fields) Index(name string) int {
	for i, f := range fs {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Lookup returns the named field.
func (fs Fields) Lookup(name string) (ConfigField, bool) {
	if i := fs.Index(name); i >= 0 {
		return fs[i], true
	}
	return ConfigField{}, false
}

// Names lists field names in declaration order.
func (fs Fields) Names() []string {
	names := make([]string, len(fs))
	for i, f := range fs {
		names[i] = f.Name
	}
	return names
}

// Dimensions counts the non-degenerate fields.
func (fs Fields) Dimensions() int {
	n := 0
	for _, f := range fs {
		if !f.Degenerate() {
			n++
		}
	}
	return n
}

// Active returns the non-degenerate fields.
func (fs Fields) Active() Fields {
	out := make(Fields, 0, len(fs))
	for _, f := range fs {
		if !f.Degenerate() {
			out = append(out, f)
		}
	}
	return out
}

// Bounds returns per-field lower and upper bounds over all fields.
func (fs Fields) Bounds() (lower, upper []float64) {
	lower = make([]float64, len(fs))
	upper = make([]float64, len(fs))
	for i, f := range fs {
		lower[i], upper[i] = f.Min, f.Max
	}
	return lower, upper
}

// Defaults returns the full position vector of default values.
func (fs Fields) Defaults() []float64 {
	out := make([]float64, len(fs))
	for i, f := range fs {
		out[i] = f.Value
	}
	return out
}

// Expand turns a vector over the active fields into a full vector,
// filling degenerate fields with their constant.
func (fs Fields) Expand(active []float64) ([]float64, error) {
	if len(active) != fs.Dimensions() {
		return nil, &ConfigResolutionError{Reason: fmt.Sprintf("position has %d entries, want %d active fields", len(active), fs.Dimensions())}
	}
	full := make([]float64, len(fs))
	j := 0
	for i, f := range fs {
		if f.Degenerate() {
			full[i] = f.Min
			continue
		}
		full[i] = active[j]
		j++
	}
	return full, nil
}

// Compress drops degenerate coordinates from a full vector.
func (fs Fields) Compress(full []float64) []float64 {
	out := make([]float64, 0, fs.Dimensions())
	for i, f := range fs {
		if !f.Degenerate() && i < len(full) {
			out = append(out, full[i])
		}
	}
	return out
}

// Assignment is one resolved field value.
type Assignment struct {
	Name     string
	Position string
	DType    DType
	Value    float64
	Label    string
}

// Typed returns the value as the type the target configuration expects.
func (a Assignment) Typed() interface{} {
	if a.Label != "" {
		return a.Label
	}
	switch a.DType {
	case DTypeInt, DTypeRatio:
		return int64(a.Value)
	case DTypeBool:
		return a.Value != 0
	case DTypeEnum:
		if a.Value == math.Trunc(a.Value) {
			return int64(a.Value)
		}
		return a.Value
	default:
		return a.Value
	}
}

// String renders the typed value.
func (a Assignment) String() string {
	return fmt.Sprint(a.Typed())
}

// Params is an ordered set of resolved assignments.
type Params []Assignment

// Get returns the value of the named assignment.
func (p Params) Get(name string) (float64, bool) {
	for _, a := range p {
		if a.Name == name {
			return a.Value, true
		}
	}
	return 0, false
}

// Set returns a copy of p with the named value replaced.
func (p Params) Set(name string, v float64) Params {
	out := p.Clone()
	for i := range out {
		if out[i].Name == name {
			out[i].Value = v
		}
	}
	return out
}

// Clone copies p.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	copy(out, p)
	return out
}

// Values returns the raw values in order.
func (p Params) Values() []float64 {
	out := make([]float64, len(p))
	for i, a := range p {
		out[i] = a.Value
	}
	return out
}

// Map returns name → typed value.
func (p Params) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(p))
	for _, a := range p {
		out[a.Name] = a.Typed()
	}
	return out
}

// Equal compares values element-wise.
func (p Params) Equal(o Params) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i].Name != o[i].Name || p[i].Value != o[i].Value {
			return false
		}
	}
	return true
}

func (p Params) String() string {
	parts := make([]string, len(p))
	for i, a := range p {
		parts[i] = a.Name + "=" + a.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
