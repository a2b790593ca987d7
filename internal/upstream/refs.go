package upstream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Ref is one loosely-typed entity reference: a bare id, a bare name
// (matched case-insensitively), or a structured object whose id-like fields
// are tried in a fixed priority order. A Ref with no Name and no Fields is
// an id reference, a literal id 0 included.
type Ref struct {
	ID     int64
	Name   string
	Fields map[string]any
}

// UnmarshalJSON accepts a number, a numeral or plain string, or an object.
func (r *Ref) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, ok := refFromValue(v)
	if !ok {
		return fmt.Errorf("cannot interpret %s as an entity reference", string(b))
	}
	*r = parsed
	return nil
}

func refFromValue(v any) (Ref, bool) {
	switch x := v.(type) {
	case Ref:
		return x, true
	case float64:
		return Ref{ID: int64(x)}, true
	case int:
		return Ref{ID: int64(x)}, true
	case int64:
		return Ref{ID: x}, true
	case string:
		if id, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
			return Ref{ID: id}, true
		}
		return Ref{Name: x}, true
	case map[string]any:
		return Ref{Fields: x}, true
	}
	return Ref{}, false
}

// Refs is an optional list of references. A nil Refs means "no filter".
type Refs []Ref

// UnmarshalJSON accepts null, a single reference, or an array of them.
func (rs *Refs) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "null" {
		*rs = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var items []Ref
		if err := json.Unmarshal(b, &items); err != nil {
			return err
		}
		*rs = items
		return nil
	}
	var one Ref
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*rs = Refs{one}
	return nil
}

// AsRefs converts in-process values (from executed fragments) into Refs.
// nil stays nil; ints, floats, strings, maps, Ref values and slices of any
// of those are accepted.
func AsRefs(v any) (Refs, error) {
	if v == nil {
		return nil, nil
	}
	switch x := v.(type) {
	case Refs:
		return x, nil
	case []Ref:
		return Refs(x), nil
	case []any:
		out := make(Refs, 0, len(x))
		for _, item := range x {
			r, ok := refFromValue(item)
			if !ok {
				return nil, fmt.Errorf("cannot interpret %v (%T) as an entity reference", item, item)
			}
			out = append(out, r)
		}
		return out, nil
	}
	r, ok := refFromValue(v)
	if !ok {
		return nil, fmt.Errorf("cannot interpret %v (%T) as an entity reference", v, v)
	}
	return Refs{r}, nil
}

// entityKind names a resolvable kind and its structured foreign-key field.
type entityKind struct {
	label   string
	fkField string
}

var (
	kindComponent  = entityKind{"component", "component_id"}
	kindObjectType = entityKind{"object_type", "object_type_id"}
	kindObject     = entityKind{"object", "object_id"}
	kindProperty   = entityKind{"property", "property_id"}
)

// NamedID is one upstream listing row.
type NamedID struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// resolveRefs turns references into canonical ids against a server listing.
// Unresolvable references are dropped silently; the result is deduplicated
// and restricted to ids the listing actually contains.
func resolveRefs(refs Refs, kind entityKind, listing []NamedID) []int64 {
	known := make(map[int64]bool, len(listing))
	byName := make(map[string]int64, len(listing))
	for _, row := range listing {
		known[row.ID] = true
		byName[strings.ToLower(row.Name)] = row.ID
	}

	seen := map[int64]bool{}
	var out []int64
	add := func(id int64) {
		if known[id] && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	for _, ref := range refs {
		switch {
		case ref.Fields != nil:
			if id, ok := structuredID(ref.Fields, kind); ok {
				add(id)
			} else if name, ok := ref.Fields["name"].(string); ok {
				if id, ok := byName[strings.ToLower(name)]; ok {
					add(id)
				}
			}
		case ref.Name != "":
			if id, ok := byName[strings.ToLower(ref.Name)]; ok {
				add(id)
			}
		default:
			// An id reference, including a literal 0 when the listing has one.
			add(ref.ID)
		}
	}
	return out
}

// structuredID pulls an id out of a structured reference: explicit id first,
// then the kind-specific foreign key, then a primary-key attribute.
func structuredID(fields map[string]any, kind entityKind) (int64, bool) {
	for _, key := range []string{"id", kind.fkField, "pk"} {
		if v, ok := fields[key]; ok {
			if id, ok := numericID(v); ok {
				return id, true
			}
		}
	}
	return 0, false
}

func numericID(v any) (int64, bool) {
	switch x := v.(type) {
	case float64:
		return int64(x), true
	case int:
		return int64(x), true
	case int64:
		return x, true
	case string:
		if id, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
			return id, true
		}
	}
	return 0, false
}
