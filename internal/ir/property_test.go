//go:build property

package ir

import (
	"bytes"
	"encoding/json"
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCanonicalDeterminism checks that canonical encoding depends only on
// content, never on how the map was built.
// Property: MarshalCanonical(build(kvs)) == MarshalCanonical(build(reverse(kvs)))
func TestCanonicalDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("encoding ignores insertion order", prop.ForAll(
		func(keys []string, values []int64) bool {
			forward := make(map[string]any)
			backward := make(map[string]any)
			n := min(len(keys), len(values))
			for i := 0; i < n; i++ {
				forward[keys[i]] = values[i]
			}
			for i := n - 1; i >= 0; i-- {
				if _, ok := backward[keys[i]]; !ok {
					backward[keys[i]] = forward[keys[i]]
				}
			}

			a, errA := MarshalCanonical(forward)
			b, errB := MarshalCanonical(backward)
			return errA == nil && errB == nil && bytes.Equal(a, b)
		},
		gen.SliceOf(gen.AnyString()),
		gen.SliceOf(gen.Int64()),
	))

	properties.Property("output is valid JSON", prop.ForAll(
		func(s string, n int64, f float64, b bool) bool {
			out, err := MarshalCanonical(map[string]any{
				"s": s, "n": n, "f": f, "b": b,
				"list": []any{s, n},
			})
			return err == nil && json.Valid(out)
		},
		gen.AnyString(),
		gen.Int64(),
		gen.Float64Range(-1e12, 1e12),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestCommandKeyRoundTrip checks that keys survive formatting and parsing.
// Property: ParseCommandKey(k.String()) == k
func TestCommandKeyRoundTrip(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("parse inverts String", prop.ForAll(
		func(segments []string, id string) bool {
			key := CommandKey{Namespace: "/" + joinSegments(segments), ID: id}
			parsed, err := ParseCommandKey(key.String())
			return err == nil && parsed == key
		},
		gen.SliceOfN(3, gen.Identifier()),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

func joinSegments(segments []string) string {
	var buf bytes.Buffer
	for i, s := range segments {
		if i > 0 {
			buf.WriteByte('/')
		}
		buf.WriteString(s)
	}
	return buf.String()
}

// TestOverallStatusOrderIndependent checks that folding verifier outcomes
// does not depend on the order the verifiers finished in.
// Property: OverallStatus(rs) == OverallStatus(reverse(rs))
func TestOverallStatusOrderIndependent(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	statuses := gen.OneConstOf(
		VerificationSuccess,
		VerificationFailed,
		VerificationTimeout,
		VerificationCancelled,
	)

	properties.Property("order independent", prop.ForAll(
		func(picked []VerificationStatus) bool {
			results := make([]VerificationResult, len(picked))
			for i, s := range picked {
				results[i] = VerificationResult{VerifierID: "v", Status: s}
			}
			reversed := slices.Clone(results)
			slices.Reverse(reversed)
			return OverallStatus(results) == OverallStatus(reversed)
		},
		gen.SliceOf(statuses),
	))

	properties.Property("cancelled always aborts", prop.ForAll(
		func(picked []VerificationStatus) bool {
			results := []VerificationResult{{VerifierID: "c", Status: VerificationCancelled}}
			for _, s := range picked {
				results = append(results, VerificationResult{VerifierID: "v", Status: s})
			}
			return OverallStatus(results) == StatusAborted
		},
		gen.SliceOf(statuses),
	))

	properties.TestingRun(t)
}
