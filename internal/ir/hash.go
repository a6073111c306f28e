package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content digests.
// Version suffix enables future algorithm migration.
const (
	DomainInvocation = "telecommand/invocation/v1"
	DomainDefinition = "telecommand/definition/v2"
	DomainSequence   = "telecommand/sequence/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// InvocationDigest computes a content digest of what was commanded: the
// definition key and version plus the canonical bindings. Comments and
// operator are excluded; the digest identifies the command, not who sent it.
func InvocationDigest(inv Invocation) (string, error) {
	obj := map[string]any{
		"namespace": inv.Definition.Namespace,
		"id":        inv.Definition.ID,
		"version":   inv.Definition.Version,
		"bindings":  map[string]any(inv.Bindings),
	}
	if inv.Bindings == nil {
		obj["bindings"] = map[string]any{}
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("invocation digest: %w", err)
	}
	return hashWithDomain(DomainInvocation, canonical), nil
}

// DefinitionDigest fingerprints every field of a definition. Two
// registrations with equal digests are the same command.
func DefinitionDigest(def CommandDefinition) (string, error) {
	params := make([]any, len(def.Parameters))
	for i, p := range def.Parameters {
		dflt, err := NormalizeValue(p.Default)
		if err != nil {
			return "", fmt.Errorf("definition digest: parameter %s default: %w", p.Name, err)
		}
		params[i] = map[string]any{
			"name":        p.Name,
			"type":        string(p.Type),
			"required":    p.Required,
			"default":     dflt,
			"min":         optionalFloat(p.Min),
			"max":         optionalFloat(p.Max),
			"enum":        p.EnumValues,
			"units":       p.Units,
			"description": p.Description,
		}
	}
	constraints := make([]any, len(def.Constraints))
	for i, c := range def.Constraints {
		constraints[i] = map[string]any{
			"id":            c.ID,
			"phase":         string(c.Phase),
			"expression":    c.Expression,
			"error_message": c.ErrorMessage,
		}
	}
	verifiers := make([]any, len(def.Verifiers))
	for i, v := range def.Verifiers {
		verifiers[i] = map[string]any{
			"id":        v.ID,
			"kind":      string(v.Kind),
			"condition": v.Condition,
			"fail":      v.FailCondition,
			"timeout":   v.TimeoutSeconds,
		}
	}
	canonical, err := MarshalCanonical(map[string]any{
		"namespace":   def.Namespace,
		"id":          def.ID,
		"name":        def.Name,
		"version":     def.Version,
		"description": def.Description,
		"parameters":  params,
		"constraints": constraints,
		"verifiers":   verifiers,
		"significance": map[string]any{
			"level":  string(def.Significance.Level),
			"reason": def.Significance.Reason,
		},
	})
	if err != nil {
		return "", fmt.Errorf("definition digest: %w", err)
	}
	return hashWithDomain(DomainDefinition, canonical), nil
}

// SequenceDigest fingerprints every field of a sequence definition,
// including step arguments.
func SequenceDigest(spec SequenceSpec) (string, error) {
	steps := make([]any, len(spec.Steps))
	for i, st := range spec.Steps {
		args, err := NormalizeValue(map[string]any(st.Args))
		if err != nil {
			return "", fmt.Errorf("sequence digest: steps[%d] args: %w", i, err)
		}
		if st.Args == nil {
			args = map[string]any{}
		}
		steps[i] = map[string]any{
			"command":  st.Command.String(),
			"args":     args,
			"comments": st.Comments,
			"delay":    st.DelayAfterSeconds,
		}
	}
	canonical, err := MarshalCanonical(map[string]any{
		"id":         spec.ID,
		"name":       spec.Name,
		"target":     spec.Target,
		"on_failure": string(spec.OnFailure),
		"steps":      steps,
	})
	if err != nil {
		return "", fmt.Errorf("sequence digest: %w", err)
	}
	return hashWithDomain(DomainSequence, canonical), nil
}

func optionalFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// MustInvocationDigest is like InvocationDigest but panics on error.
// Use only in tests or when bindings are known to be valid.
func MustInvocationDigest(inv Invocation) string {
	d, err := InvocationDigest(inv)
	if err != nil {
		panic(err)
	}
	return d
}
