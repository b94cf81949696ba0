package workflow

import (
	"regexp"

	"github.com/ShayCichocki/conductor/pkg/models"
)

var varRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// ExpandInputs substitutes ${name} references in string inputs with run
// variables. An input consisting of a single reference takes the typed
// variable value; embedded references are rendered as text. Unknown
// references are left untouched.
func ExpandInputs(inputs, vars map[string]models.Value) map[string]models.Value {
	if inputs == nil {
		return map[string]models.Value{}
	}
	out := make(map[string]models.Value, len(inputs))
	for k, v := range inputs {
		out[k] = expandValue(v, vars)
	}
	return out
}

func expandValue(v models.Value, vars map[string]models.Value) models.Value {
	if m, ok := v.AsMap(); ok {
		for k, e := range m {
			m[k] = expandValue(e, vars)
		}
		return models.MapValue(m)
	}

	s, ok := v.AsString()
	if !ok {
		return v
	}

	if loc := varRef.FindStringSubmatchIndex(s); loc != nil && loc[0] == 0 && loc[1] == len(s) {
		if val, found := vars[s[loc[2]:loc[3]]]; found {
			return val
		}
		return v
	}

	expanded := varRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[2 : len(ref)-1]
		if val, found := vars[name]; found {
			return val.String()
		}
		return ref
	})
	return models.StringValue(expanded)
}
