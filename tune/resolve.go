package tune

import (
	"fmt"
	"math"
)

// ConfigResolutionError reports a field set that cannot be turned into concrete values.
// It is a configuration bug, not a property of one candidate.
type ConfigResolutionError struct {
	Field  string
	Reason string
}

func (e *ConfigResolutionError) Error() string {
	if e.Field == "" {
		return "config resolution: " + e.Reason
	}
	return fmt.Sprintf("config resolution: field %q: %s", e.Field, e.Reason)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Resolve maps a full position vector onto concrete values, in declaration order.
func Resolve(position []float64, fields Fields) (Params, error) {
	if len(position) != len(fields) {
		return nil, &ConfigResolutionError{Reason: fmt.Sprintf("position has %d entries, want %d", len(position), len(fields))}
	}
	out := make(Params, 0, len(fields))
	resolved := make(map[string]float64, len(fields))
	for i, f := range fields {
		a := Assignment{Name: f.Name, Position: f.ConfigPosition, DType: f.dtype()}
		x := clamp(position[i], f.Min, f.Max)
		switch f.dtype() {
		case DTypeFloat:
			a.Value = x
		case DTypeInt:
			a.Value = math.Round(x)
		case DTypeBool:
			if x >= (f.Min+f.Max)/2 {
				a.Value = 1
			}
		case DTypeEnum:
			if len(f.Choices) == 0 {
				return nil, &ConfigResolutionError{Field: f.Name, Reason: "enum without choices"}
			}
			idx := snapChoice(f, x)
			a.Value = f.Choices[idx]
			if idx < len(f.Labels) {
				a.Label = f.Labels[idx]
			}
		case DTypeRatio:
			base, ok := resolved[f.Base]
			if !ok {
				return nil, &ConfigResolutionError{Field: f.Name, Reason: fmt.Sprintf("base field %q is not resolved yet", f.Base)}
			}
			if f.Min <= 1 {
				a.Value = math.Round(x * base)
			} else {
				a.Value = math.Min(math.Round(x), base)
			}
		default:
			return nil, &ConfigResolutionError{Field: f.Name, Reason: fmt.Sprintf("unknown dtype %q", f.DType)}
		}
		resolved[f.Name] = a.Value
		out = append(out, a)
	}
	return out, nil
}

// snapChoice maps x from [min,max] onto the choice span and returns the nearest index.
func snapChoice(f ConfigField, x float64) int {
	lo, hi := f.Choices[0], f.Choices[len(f.Choices)-1]
	v := x
	if f.Max > f.Min && (f.Min != lo || f.Max != hi) {
		v = lo + (x-f.Min)/(f.Max-f.Min)*(hi-lo)
	}
	best := 0
	for i, c := range f.Choices {
		if math.Abs(c-v) < math.Abs(f.Choices[best]-v) {
			best = i
		}
	}
	return best
}

// FieldToParam inverts Resolve: it returns the position vector that resolves back to params.
func FieldToParam(params Params, fields Fields) ([]float64, error) {
	if len(params) != len(fields) {
		return nil, &ConfigResolutionError{Reason: fmt.Sprintf("have %d values for %d fields", len(params), len(fields))}
	}
	out := make([]float64, len(fields))
	resolved := make(map[string]float64, len(fields))
	for i, f := range fields {
		v := params[i].Value
		switch f.dtype() {
		case DTypeEnum:
			out[i] = v
			lo, hi := f.Choices[0], f.Choices[len(f.Choices)-1]
			if f.Max > f.Min && hi > lo && (f.Min != lo || f.Max != hi) {
				out[i] = f.Min + (v-lo)/(hi-lo)*(f.Max-f.Min)
			}
		case DTypeBool:
			if v != 0 {
				out[i] = f.Max
			} else {
				out[i] = f.Min
			}
		case DTypeRatio:
			base := resolved[f.Base]
			if f.Min <= 1 && base != 0 {
				out[i] = v / base
			} else {
				out[i] = v
			}
		default:
			out[i] = v
		}
		resolved[f.Name] = v
	}
	return out, nil
}

// ParamsFromValues builds Params from raw concrete values without resolution,
// e.g. when reloading a ledger row.
func ParamsFromValues(values []float64, fields Fields) Params {
	out := make(Params, len(fields))
	for i, f := range fields {
		a := Assignment{Name: f.Name, Position: f.ConfigPosition, DType: f.dtype()}
		if i < len(values) {
			a.Value = values[i]
		}
		if f.dtype() == DTypeEnum {
			for j, c := range f.Choices {
				if c == a.Value && j < len(f.Labels) {
					a.Label = f.Labels[j]
				}
			}
		}
		out[i] = a
	}
	return out
}
