//go:build property
// +build property

package canonjson

import (
	"encoding/json"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestMarshalStability verifies the load-bearing fixpoint: decoding the
// canonical bytes and re-encoding them yields the same bytes.
func TestMarshalStability(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical bytes are a fixpoint", prop.ForAll(
		func(keys []string, ints []int64, strs []string) bool {
			obj := make(map[string]any)
			for i, k := range keys {
				if i < len(ints) {
					obj[k] = ints[i]
				} else if i-len(ints) < len(strs) {
					obj[k] = strs[i-len(ints)]
				} else {
					obj[k] = nil
				}
			}
			first, err := Marshal(obj)
			if err != nil {
				return false
			}
			second, err := Marshal(json.RawMessage(first))
			if err != nil {
				return false
			}
			return string(first) == string(second)
		},
		gen.SliceOf(gen.AnyString()),
		gen.SliceOf(gen.Int64Range(-MaxSafeInt, MaxSafeInt)),
		gen.SliceOf(gen.AnyString()),
	))

	properties.Property("safe integers survive a round trip verbatim", prop.ForAll(
		func(n int64) bool {
			b, err := Marshal(n)
			if err != nil {
				return false
			}
			return string(b) == strconv.FormatInt(n, 10)
		},
		gen.Int64Range(-MaxSafeInt, MaxSafeInt),
	))

	properties.Property("floats re-parse to the same value", prop.ForAll(
		func(f float64) bool {
			b, err := Marshal(f)
			if err != nil {
				return true // out-of-range integral floats are rejected, not mangled
			}
			back, err := strconv.ParseFloat(string(b), 64)
			if err != nil {
				return false
			}
			return back == f || (f == 0 && back == 0)
		},
		gen.Float64Range(-1e15, 1e15),
	))

	properties.TestingRun(t)
}
