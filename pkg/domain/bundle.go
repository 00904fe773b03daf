package domain

import "github.com/google/uuid"

// Bundle types produced by this server.
const (
	BundleSearchSet = "searchset"
	BundleHistory   = "history"
)

// BundleLink is a navigation link on a bundle.
type BundleLink struct {
	Relation string
	URL      string
}

// NewBundle packs resources into a Bundle resource. baseURL prefixes each
// entry's fullUrl; total is the match count before paging.
func NewBundle(bundleType, baseURL string, resources []*Resource, total int, links ...BundleLink) *Resource {
	b := NewResource("Bundle")
	b.ID = uuid.NewString()
	b.Set("type", bundleType)
	b.Set("total", total)

	if len(links) > 0 {
		encoded := make([]any, 0, len(links))
		for _, l := range links {
			encoded = append(encoded, map[string]any{"relation": l.Relation, "url": l.URL})
		}
		b.Set("link", encoded)
	}

	entries := make([]any, 0, len(resources))
	for _, r := range resources {
		entry := map[string]any{"resource": r.Map()}
		if r.ID != "" {
			entry["fullUrl"] = baseURL + r.Ref()
		}
		entries = append(entries, entry)
	}
	b.Set("entry", entries)
	return b
}
