package upstream

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Metadata is the upstream object-metadata snapshot used to resolve and
// decorate type/instance/property references.
type Metadata struct {
	ObjectTypes []NamedID `json:"object_types"`
	Objects     []NamedID `json:"objects"`
	Properties  []NamedID `json:"properties"`
}

// Record is one upstream data-point definition, stamped with the component
// it was fetched for.
type Record struct {
	RowID        int64  `json:"id"`
	ObjectTypeID int64  `json:"object_type_id"`
	ObjectID     int64  `json:"object_id"`
	PropertyID   int64  `json:"property_id"`
	Value        any    `json:"value"`
	Timestamp    string `json:"timestamp"`

	ComponentID   int64  `json:"component_id"`
	ComponentName string `json:"component_name"`
}

// HistoryItem is one time-stamped value, decorated with the names of its
// owning type/instance/property.
type HistoryItem struct {
	ComponentID int64  `json:"component_id"`
	RowID       int64  `json:"row_id"`
	Timestamp   string `json:"timestamp"`
	Value       any    `json:"value"`
	ObjectType  string `json:"object_type"`
	Object      string `json:"object"`
	Property    string `json:"property"`
}

type historyEntry struct {
	Timestamp string `json:"timestamp"`
	Value     any    `json:"value"`
}

// Components lists the known internal components.
func (c *Client) Components(ctx context.Context) ([]NamedID, error) {
	var out []NamedID
	if err := c.getJSON(ctx, "/data-sources/Internal/components/", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ObjectMetadata fetches the metadata snapshot.
func (c *Client) ObjectMetadata(ctx context.Context) (*Metadata, error) {
	var out Metadata
	if err := c.getJSON(ctx, "/object-metadata/", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) componentRecords(ctx context.Context, componentID int64) ([]Record, error) {
	var out []Record
	if err := c.getJSON(ctx, fmt.Sprintf("/components/internal/%d", componentID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) rowHistory(ctx context.Context, componentID, rowID int64) ([]historyEntry, error) {
	var out []historyEntry
	if err := c.getJSON(ctx, fmt.Sprintf("/components/%d/row/%d/history/", componentID, rowID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WorkflowInputs fetches the configured inputs of one workflow component.
func (c *Client) WorkflowInputs(ctx context.Context, workflowID int64) ([]map[string]any, error) {
	var out []map[string]any
	if err := c.getJSON(ctx, fmt.Sprintf("/workflow_inputs/%d/", workflowID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveOutputs posts workflow output records to the upstream authority (the
// "db" persistence mode).
func (c *Client) SaveOutputs(ctx context.Context, workflowID int64, records []map[string]any) error {
	_, err := c.do(ctx, "POST", fmt.Sprintf("/workflow_outputs/%d/", workflowID), records)
	return err
}

// idFilter is a resolved filter: nil imposes no constraint, an empty set
// matches nothing (every supplied reference failed to resolve).
type idFilter map[int64]bool

func newIDFilter(refs Refs, kind entityKind, listing []NamedID) idFilter {
	if refs == nil {
		return nil
	}
	f := idFilter{}
	for _, id := range resolveRefs(refs, kind, listing) {
		f[id] = true
	}
	return f
}

func (f idFilter) matches(id int64) bool {
	return f == nil || f[id]
}

// GetRecords resolves all reference filters and returns every matching
// record across the selected components, each stamped with its component id
// and name. Filters are conjunctive; a nil filter imposes no constraint,
// and nil components means all known components.
func (c *Client) GetRecords(ctx context.Context, components, objectTypes, objects, properties Refs) ([]Record, error) {
	listing, err := c.Components(ctx)
	if err != nil {
		return nil, err
	}

	var compIDs []int64
	if components == nil {
		for _, row := range listing {
			compIDs = append(compIDs, row.ID)
		}
	} else {
		compIDs = resolveRefs(components, kindComponent, listing)
	}

	meta, err := c.ObjectMetadata(ctx)
	if err != nil {
		return nil, err
	}
	typeFilter := newIDFilter(objectTypes, kindObjectType, meta.ObjectTypes)
	objectFilter := newIDFilter(objects, kindObject, meta.Objects)
	propFilter := newIDFilter(properties, kindProperty, meta.Properties)

	compName := make(map[int64]string, len(listing))
	for _, row := range listing {
		compName[row.ID] = row.Name
	}

	var out []Record
	for _, compID := range compIDs {
		recs, err := c.componentRecords(ctx, compID)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if !typeFilter.matches(rec.ObjectTypeID) ||
				!objectFilter.matches(rec.ObjectID) ||
				!propFilter.matches(rec.PropertyID) {
				continue
			}
			rec.ComponentID = compID
			rec.ComponentName = compName[compID]
			out = append(out, rec)
		}
	}
	c.log.Debug("fetched records",
		zap.Int("components", len(compIDs)), zap.Int("records", len(out)))
	return out, nil
}

// GetHistory flattens the component -> records -> per-row history join into
// one list, filtered to the optional inclusive [start, end] window and
// decorated with type/instance/property names.
func (c *Client) GetHistory(ctx context.Context, components, objectTypes, objects, properties Refs, start, end *time.Time) ([]HistoryItem, error) {
	records, err := c.GetRecords(ctx, components, objectTypes, objects, properties)
	if err != nil {
		return nil, err
	}

	meta, err := c.ObjectMetadata(ctx)
	if err != nil {
		return nil, err
	}
	typeName := nameByID(meta.ObjectTypes)
	objectName := nameByID(meta.Objects)
	propName := nameByID(meta.Properties)

	var out []HistoryItem
	for _, rec := range records {
		if rec.ComponentID == 0 || rec.RowID == 0 {
			continue
		}
		entries, err := c.rowHistory(ctx, rec.ComponentID, rec.RowID)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			ts, parsed := ParseTimestamp(e.Timestamp)
			if !inWindow(ts, parsed, start, end) {
				continue
			}
			out = append(out, HistoryItem{
				ComponentID: rec.ComponentID,
				RowID:       rec.RowID,
				Timestamp:   e.Timestamp,
				Value:       e.Value,
				ObjectType:  typeName[rec.ObjectTypeID],
				Object:      objectName[rec.ObjectID],
				Property:    propName[rec.PropertyID],
			})
		}
	}
	return out, nil
}

func nameByID(listing []NamedID) map[int64]string {
	m := make(map[int64]string, len(listing))
	for _, row := range listing {
		m[row.ID] = row.Name
	}
	return m
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp accepts RFC 3339 values (trailing Z included) and common
// zone-less forms, which default to UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for i, layout := range timestampLayouts {
		if i == 0 {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// inWindow applies the inclusive window. An entry whose timestamp failed to
// parse survives only the bounds that are absent.
func inWindow(ts time.Time, parsed bool, start, end *time.Time) bool {
	if start != nil {
		if !parsed || ts.Before(*start) {
			return false
		}
	}
	if end != nil {
		if !parsed || ts.After(*end) {
			return false
		}
	}
	return true
}
