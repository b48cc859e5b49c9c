package resolve

import (
	"fmt"
	"sort"
	"strings"

	"github.com/converge-vcs/converge/internal/converr"
	"github.com/converge-vcs/converge/internal/graph"
	"github.com/converge-vcs/converge/internal/object"
	"github.com/converge-vcs/converge/internal/store"
)

// OutOfRangeIssue is a legacy index decision past the variant count.
type OutOfRangeIssue struct {
	Path     string `json:"path"`
	Index    uint32 `json:"index"`
	Variants int    `json:"variants"`
}

// InvalidKeyIssue is a key decision matching no variant.
type InvalidKeyIssue struct {
	Path      string              `json:"path"`
	Wanted    object.VariantKey   `json:"wanted"`
	Available []object.VariantKey `json:"available"`
}

// Validation is the complete problem report for a resolution against a
// manifest. Every category is collected in one pass; this is a contract,
// not an optimization.
type Validation struct {
	OK          bool              `json:"ok"`
	Missing     []string          `json:"missing"`
	Extraneous  []string          `json:"extraneous"`
	OutOfRange  []OutOfRangeIssue `json:"out_of_range"`
	InvalidKeys []InvalidKeyIssue `json:"invalid_keys"`
}

// Validate checks a decision map against every superposition under root.
func Validate(st *store.Store, root object.ID, decisions map[string]Decision) (*Validation, error) {
	variants, paths, err := graph.SuperpositionPaths(st, root)
	if err != nil {
		return nil, err
	}

	v := &Validation{}
	for _, p := range paths {
		if _, ok := decisions[p]; !ok {
			v.Missing = append(v.Missing, p)
		}
	}
	for p := range decisions {
		if _, ok := variants[p]; !ok {
			v.Extraneous = append(v.Extraneous, p)
		}
	}

	decided := make([]string, 0, len(decisions))
	for p := range decisions {
		decided = append(decided, p)
	}
	sort.Strings(decided)
	for _, path := range decided {
		vs, ok := variants[path]
		if !ok {
			continue
		}
		d := decisions[path]
		switch {
		case d.Index != nil:
			if int(*d.Index) >= len(vs) {
				v.OutOfRange = append(v.OutOfRange, OutOfRangeIssue{
					Path: path, Index: *d.Index, Variants: len(vs),
				})
			}
		case d.Key != nil:
			if findVariant(vs, *d.Key) < 0 {
				available := make([]object.VariantKey, 0, len(vs))
				for _, variant := range vs {
					available = append(available, variant.Key())
				}
				v.InvalidKeys = append(v.InvalidKeys, InvalidKeyIssue{
					Path: path, Wanted: *d.Key, Available: available,
				})
			}
		default:
			v.InvalidKeys = append(v.InvalidKeys, InvalidKeyIssue{Path: path})
		}
	}

	sort.Strings(v.Missing)
	sort.Strings(v.Extraneous)
	v.OK = len(v.Missing) == 0 && len(v.Extraneous) == 0 &&
		len(v.OutOfRange) == 0 && len(v.InvalidKeys) == 0
	return v, nil
}

// Err converts a failed validation into a resolution-invalid error with a
// bounded summary. Returns nil when the validation passed.
func (v *Validation) Err() error {
	if v.OK {
		return nil
	}
	var parts []string
	if len(v.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing-decision=[%s]", head(v.Missing)))
	}
	if len(v.Extraneous) > 0 {
		parts = append(parts, fmt.Sprintf("extraneous-decision=[%s]", head(v.Extraneous)))
	}
	if len(v.OutOfRange) > 0 {
		parts = append(parts, fmt.Sprintf("out-of-range-index=%d", len(v.OutOfRange)))
	}
	if len(v.InvalidKeys) > 0 {
		parts = append(parts, fmt.Sprintf("invalid-key=%d", len(v.InvalidKeys)))
	}
	return converr.New(converr.KindResolutionInvalid,
		fmt.Errorf("resolution invalid: %s", strings.Join(parts, " ")))
}

func head(xs []string) string {
	const limit = 10
	if len(xs) <= limit {
		return strings.Join(xs, ", ")
	}
	return fmt.Sprintf("%s ... (+%d)", strings.Join(xs[:limit], ", "), len(xs)-limit)
}

func findVariant(vs []object.Variant, key object.VariantKey) int {
	for i, v := range vs {
		if v.Key() == key {
			return i
		}
	}
	return -1
}
