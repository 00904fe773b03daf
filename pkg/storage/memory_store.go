package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-fhir/pkg/domain"
	"github.com/polisai/polis-fhir/pkg/outcome"
)

// CompartmentParam restricts a search to resources referencing the given
// resource ("Patient/123") from any top-level element.
const CompartmentParam = "_compartment"

type resourceKey struct {
	resourceType string
	id           string
}

// MemoryRepository is an in-memory, versioned implementation of
// domain.Repository. Every read returns a deep copy.
type MemoryRepository struct {
	mu            sync.RWMutex
	current       map[resourceKey]*domain.Resource
	history       map[resourceKey][]*domain.Resource
	deleted       map[resourceKey]bool
	reindexed     map[resourceKey]int
	notifications map[resourceKey]int
	now           func() time.Time
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		current:       make(map[resourceKey]*domain.Resource),
		history:       make(map[resourceKey][]*domain.Resource),
		deleted:       make(map[resourceKey]bool),
		reindexed:     make(map[resourceKey]int),
		notifications: make(map[resourceKey]int),
		now:           time.Now,
	}
}

// CreateResource stores a new resource under a server-assigned id.
func (s *MemoryRepository) CreateResource(_ context.Context, resource *domain.Resource) (*domain.Resource, error) {
	if resource == nil || resource.ResourceType == "" {
		return nil, domain.InvalidError("Missing resourceType", "resourceType")
	}

	res := resource.Clone()
	res.ID = uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked(res), nil
}

// ReadResource returns the current version.
func (s *MemoryRepository) ReadResource(_ context.Context, resourceType, id string) (*domain.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := resourceKey{resourceType, id}
	if res, ok := s.current[key]; ok {
		return res.Clone(), nil
	}
	if s.deleted[key] {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, domain.ErrGone)
	}
	return nil, fmt.Errorf("%s/%s: %w", resourceType, id, domain.ErrNotFound)
}

// ReadVersion returns a specific historical version.
func (s *MemoryRepository) ReadVersion(_ context.Context, resourceType, id, versionID string) (*domain.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, res := range s.history[resourceKey{resourceType, id}] {
		if res.VersionID() == versionID {
			return res.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%s/%s/_history/%s: %w", resourceType, id, versionID, domain.ErrNotFound)
}

// UpdateResource replaces the current version, creating the resource when it
// does not exist. A non-empty ifMatch must equal the current versionId.
func (s *MemoryRepository) UpdateResource(_ context.Context, resource *domain.Resource, ifMatch string) (*domain.Resource, error) {
	if resource == nil || resource.ResourceType == "" || resource.ID == "" {
		return nil, domain.InvalidError("Missing resourceType or id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := resourceKey{resource.ResourceType, resource.ID}
	existing, ok := s.current[key]
	if ifMatch != "" && (!ok || existing.VersionID() != ifMatch) {
		return nil, outcome.NewError(outcome.PreconditionFailed("Version mismatch for " + resource.Ref()))
	}

	return s.storeLocked(resource.Clone()), nil
}

// DeleteResource removes the current version; history is retained.
func (s *MemoryRepository) DeleteResource(_ context.Context, resourceType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := resourceKey{resourceType, id}
	if _, ok := s.current[key]; !ok {
		if s.deleted[key] {
			return nil
		}
		return fmt.Errorf("%s/%s: %w", resourceType, id, domain.ErrNotFound)
	}
	delete(s.current, key)
	s.deleted[key] = true
	return nil
}

// Search matches current resources by _id, _compartment and top-level
// element equality. Results are ordered by resource type and id unless
// _sort=_lastUpdated or _sort=-_lastUpdated is given.
func (s *MemoryRepository) Search(_ context.Context, req domain.SearchRequest) (*domain.SearchResult, error) {
	s.mu.RLock()
	var matches []*domain.Resource
	for key, res := range s.current {
		if req.ResourceType != "" && key.resourceType != req.ResourceType {
			continue
		}
		if matchesAll(res, req.Params) {
			matches = append(matches, res.Clone())
		}
	}
	s.mu.RUnlock()

	sortResources(matches, req.Params["_sort"])

	total := len(matches)
	start := min(max(req.Offset, 0), total)
	end := total
	if req.Count >= 0 {
		end = min(start+req.Count, total)
	}

	return &domain.SearchResult{Resources: matches[start:end], Total: total}, nil
}

// ReadHistory returns versions newest first.
func (s *MemoryRepository) ReadHistory(_ context.Context, req domain.HistoryRequest) ([]*domain.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Resource
	if req.ID != "" {
		key := resourceKey{req.ResourceType, req.ID}
		versions, ok := s.history[key]
		if !ok {
			return nil, fmt.Errorf("%s/%s: %w", req.ResourceType, req.ID, domain.ErrNotFound)
		}
		for i := len(versions) - 1; i >= 0; i-- {
			out = append(out, versions[i].Clone())
		}
	} else {
		for key, versions := range s.history {
			if req.ResourceType != "" && key.resourceType != req.ResourceType {
				continue
			}
			for i := len(versions) - 1; i >= 0; i-- {
				out = append(out, versions[i].Clone())
			}
		}
	}

	slices.SortStableFunc(out, func(a, b *domain.Resource) int {
		return compareTime(lastUpdated(b), lastUpdated(a))
	})
	if req.Count > 0 && len(out) > req.Count {
		out = out[:req.Count]
	}
	return out, nil
}

// Reindex records a reindex request for an existing resource.
func (s *MemoryRepository) Reindex(_ context.Context, resourceType, id string) error {
	return s.touch(resourceType, id, s.reindexed)
}

// ResendSubscriptions records a subscription notification for an existing
// resource.
func (s *MemoryRepository) ResendSubscriptions(_ context.Context, resourceType, id string) error {
	return s.touch(resourceType, id, s.notifications)
}

// Expunge removes every trace of a resource, including its history.
func (s *MemoryRepository) Expunge(_ context.Context, resourceType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := resourceKey{resourceType, id}
	if _, ok := s.history[key]; !ok {
		return fmt.Errorf("%s/%s: %w", resourceType, id, domain.ErrNotFound)
	}
	delete(s.current, key)
	delete(s.history, key)
	delete(s.deleted, key)
	delete(s.reindexed, key)
	delete(s.notifications, key)
	return nil
}

// ReindexCount reports how often a resource was reindexed.
func (s *MemoryRepository) ReindexCount(resourceType, id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reindexed[resourceKey{resourceType, id}]
}

// NotificationCount reports how often subscriptions were resent for a resource.
func (s *MemoryRepository) NotificationCount(resourceType, id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notifications[resourceKey{resourceType, id}]
}

func (s *MemoryRepository) touch(resourceType, id string, counter map[resourceKey]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := resourceKey{resourceType, id}
	if _, ok := s.current[key]; !ok {
		return fmt.Errorf("%s/%s: %w", resourceType, id, domain.ErrNotFound)
	}
	counter[key]++
	return nil
}

// storeLocked assigns a new version and records it. Callers hold s.mu.
func (s *MemoryRepository) storeLocked(res *domain.Resource) *domain.Resource {
	now := s.now().UTC()
	if res.Meta == nil {
		res.Meta = &domain.Meta{}
	}
	res.Meta.VersionID = uuid.NewString()
	res.Meta.LastUpdated = &now

	key := resourceKey{res.ResourceType, res.ID}
	s.current[key] = res
	s.history[key] = append(s.history[key], res.Clone())
	delete(s.deleted, key)
	return res.Clone()
}

func matchesAll(res *domain.Resource, params map[string]string) bool {
	for name, want := range params {
		switch {
		case name == "_id":
			if !slices.Contains(strings.Split(want, ","), res.ID) {
				return false
			}
		case name == CompartmentParam:
			if res.Ref() != want && !referencesTarget(res.Fields, want) {
				return false
			}
		case strings.HasPrefix(name, "_"):
			// Result parameters such as _count and _sort do not filter.
		default:
			v, ok := res.Fields[name]
			if !ok || !valueMatches(v, want) {
				return false
			}
		}
	}
	return true
}

func valueMatches(v any, want string) bool {
	switch val := v.(type) {
	case string:
		return strings.EqualFold(val, want)
	case map[string]any:
		if ref, ok := val["reference"].(string); ok {
			return ref == want
		}
		return false
	case []any:
		for _, item := range val {
			if valueMatches(item, want) {
				return true
			}
		}
		return false
	default:
		return fmt.Sprint(val) == want
	}
}

func referencesTarget(fields map[string]any, target string) bool {
	for _, v := range fields {
		if valueMatches(v, target) {
			if _, isString := v.(string); !isString {
				return true
			}
		}
	}
	return false
}

func sortResources(res []*domain.Resource, sortParam string) {
	switch sortParam {
	case "_lastUpdated":
		slices.SortStableFunc(res, func(a, b *domain.Resource) int {
			return compareTime(lastUpdated(a), lastUpdated(b))
		})
	case "-_lastUpdated":
		slices.SortStableFunc(res, func(a, b *domain.Resource) int {
			return compareTime(lastUpdated(b), lastUpdated(a))
		})
	default:
		slices.SortFunc(res, func(a, b *domain.Resource) int {
			return cmp.Or(cmp.Compare(a.ResourceType, b.ResourceType), cmp.Compare(a.ID, b.ID))
		})
	}
}

func lastUpdated(r *domain.Resource) time.Time {
	if r.Meta == nil || r.Meta.LastUpdated == nil {
		return time.Time{}
	}
	return *r.Meta.LastUpdated
}

func compareTime(a, b time.Time) int {
	return a.Compare(b)
}
