package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/polisai/polis-fhir/pkg/outcome"
)

// Reference points at another resource ("Patient/123").
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Meta is the resource metadata maintained by the server. Elements it does not
// name (source, extension, id, ...) are kept in Extra and written back as is.
type Meta struct {
	VersionID   string           `json:"versionId,omitempty"`
	LastUpdated *time.Time       `json:"lastUpdated,omitempty"`
	Author      *Reference       `json:"author,omitempty"`
	Profile     []string         `json:"profile,omitempty"`
	Tag         []outcome.Coding `json:"tag,omitempty"`
	Security    []outcome.Coding `json:"security,omitempty"`
	Extra       map[string]any   `json:"-"`
}

// metaFields has Meta's layout without its JSON methods.
type metaFields Meta

var metaKeys = []string{"versionId", "lastUpdated", "author", "profile", "tag", "security"}

// MarshalJSON implements json.Marshaler. Named elements win over Extra.
func (m Meta) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(metaFields(m))
	if err != nil || len(m.Extra) == 0 {
		return known, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(m.Extra)+len(fields))
	for k, v := range m.Extra {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Meta) UnmarshalJSON(data []byte) error {
	var known metaFields
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	for _, k := range metaKeys {
		delete(raw, k)
	}

	*m = Meta(known)
	m.Extra = nil
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

func (m *Meta) clone() *Meta {
	if m == nil {
		return nil
	}
	c := *m
	if m.LastUpdated != nil {
		t := *m.LastUpdated
		c.LastUpdated = &t
	}
	if m.Author != nil {
		a := *m.Author
		c.Author = &a
	}
	c.Profile = append([]string(nil), m.Profile...)
	c.Tag = append([]outcome.Coding(nil), m.Tag...)
	c.Security = append([]outcome.Coding(nil), m.Security...)
	if m.Extra != nil {
		c.Extra = cloneValue(m.Extra).(map[string]any)
	}
	return &c
}

// Resource is a FHIR resource. Only resourceType, id and meta are interpreted;
// every other element is kept verbatim in Fields.
type Resource struct {
	ResourceType string
	ID           string
	Meta         *Meta
	Fields       map[string]any
}

// NewResource creates an empty resource of the given type.
func NewResource(resourceType string) *Resource {
	return &Resource{ResourceType: resourceType, Fields: map[string]any{}}
}

// ParseResource decodes a JSON resource body.
func ParseResource(data []byte) (*Resource, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, InvalidError("Missing request body")
	}
	r := &Resource{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, err
	}
	if r.ResourceType == "" {
		return nil, InvalidError("Missing resourceType", "resourceType")
	}
	return r, nil
}

// Ref returns the relative reference to this resource.
func (r *Resource) Ref() string {
	return r.ResourceType + "/" + r.ID
}

// VersionID returns meta.versionId or "".
func (r *Resource) VersionID() string {
	if r.Meta == nil {
		return ""
	}
	return r.Meta.VersionID
}

// Get returns a top-level element.
func (r *Resource) Get(name string) (any, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// Set assigns a top-level element.
func (r *Resource) Set(name string, value any) {
	if r.Fields == nil {
		r.Fields = map[string]any{}
	}
	r.Fields[name] = value
}

// Clone returns a deep copy of the resource.
func (r *Resource) Clone() *Resource {
	if r == nil {
		return nil
	}
	out := &Resource{ResourceType: r.ResourceType, ID: r.ID, Meta: r.Meta.clone()}
	if r.Fields != nil {
		out.Fields = cloneValue(r.Fields).(map[string]any)
	}
	return out
}

// Map returns the resource as a generic JSON object tree.
func (r *Resource) Map() map[string]any {
	m := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		m[k] = cloneValue(v)
	}
	m["resourceType"] = r.ResourceType
	if r.ID != "" {
		m["id"] = r.ID
	}
	if r.Meta != nil {
		m["meta"] = r.Meta.clone()
	}
	return m
}

// MarshalJSON implements json.Marshaler.
func (r *Resource) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Map())
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Resource) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		return InvalidError("Resource must be a JSON object")
	}

	resourceType, _ := raw["resourceType"].(string)
	id, _ := raw["id"].(string)
	r.ResourceType = resourceType
	r.ID = id
	r.Meta = nil

	if metaRaw, ok := raw["meta"]; ok && metaRaw != nil {
		encoded, err := json.Marshal(metaRaw)
		if err != nil {
			return fmt.Errorf("encode meta: %w", err)
		}
		var meta Meta
		if err := json.Unmarshal(encoded, &meta); err != nil {
			return InvalidError("Invalid meta: "+err.Error(), "meta")
		}
		r.Meta = &meta
	}

	delete(raw, "resourceType")
	delete(raw, "id")
	delete(raw, "meta")
	r.Fields = raw
	return nil
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
