package manifest

import (
	"strings"

	"github.com/ZanzyTHEbar/dragonflow"
)

// Reference points at the output of an upstream task: "$task.output" or
// "$task.output.field".
type Reference struct {
	TaskID string
	Field  string
}

// ParseReference reports whether v is a reference string.
func ParseReference(v interface{}) (Reference, bool) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "$") {
		return Reference{}, false
	}
	parts := strings.Split(strings.TrimPrefix(s, "$"), ".")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] != "output" {
		return Reference{}, false
	}
	ref := Reference{TaskID: parts[0]}
	if len(parts) == 3 {
		ref.Field = parts[2]
	}
	return ref, true
}

// ResolveInput returns a copy of input with references replaced by upstream
// outputs. Unresolvable references are left as literals.
func ResolveInput(input map[string]interface{}, lookup func(taskID string) (*dragonflow.WorkerOutput, bool)) map[string]interface{} {
	if len(input) == 0 {
		return input
	}
	out := make(map[string]interface{}, len(input))
	for k, v := range input {
		out[k] = v
		ref, ok := ParseReference(v)
		if !ok {
			continue
		}
		upstream, found := lookup(ref.TaskID)
		if !found || upstream == nil {
			continue
		}
		if ref.Field == "" {
			out[k] = upstream.Output
			continue
		}
		if doc, isMap := upstream.Output.(map[string]interface{}); isMap {
			if fv, has := doc[ref.Field]; has {
				out[k] = fv
			}
		}
	}
	return out
}
