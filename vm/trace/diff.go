package trace

import (
	"encoding/json"

	"github.com/nsf/jsondiff"
)

// Compare reports whether two traces are structurally identical and, when
// they are not, a rendered diff of the first divergence context.
func Compare(a, b []Event) (bool, string) {
	ab, err := json.Marshal(a)
	if err != nil {
		return false, err.Error()
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false, err.Error()
	}
	opts := jsondiff.DefaultConsoleOptions()
	match, desc := jsondiff.Compare(ab, bb, &opts)
	if match == jsondiff.FullMatch {
		return true, ""
	}
	return false, desc
}
