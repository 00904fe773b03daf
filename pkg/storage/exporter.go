package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-fhir/pkg/domain"
)

// ContentTypeNDJSON is the media type of export output files.
const ContentTypeNDJSON = "application/fhir+ndjson"

// MemoryExporter runs bulk exports in background goroutines and keeps job
// state in memory. Output files are written to a BinaryStore and referenced
// as "Binary/{id}".
type MemoryExporter struct {
	repo     domain.Repository
	binaries domain.BinaryStore
	logger   *slog.Logger

	mu   sync.RWMutex
	jobs map[string]*domain.ExportJob
	wg   sync.WaitGroup
	now  func() time.Time
}

// NewMemoryExporter creates an exporter. repo is used when the caller has no
// AuthContext repository.
func NewMemoryExporter(repo domain.Repository, binaries domain.BinaryStore, logger *slog.Logger) *MemoryExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryExporter{
		repo:     repo,
		binaries: binaries,
		logger:   logger,
		jobs:     make(map[string]*domain.ExportJob),
		now:      time.Now,
	}
}

// StartExport registers a job and starts it asynchronously. The job runs
// with the caller's repository and is not cancelled with ctx.
func (e *MemoryExporter) StartExport(ctx context.Context, auth *domain.AuthContext, req domain.ExportRequest) (*domain.ExportJob, error) {
	for _, t := range req.ResourceTypes {
		if !domain.IsResourceType(t) {
			return nil, domain.InvalidError("Unsupported resource type: "+t, "_type")
		}
	}
	if req.Level == domain.ExportGroup && req.GroupID == "" {
		return nil, domain.InvalidError("Missing group id")
	}

	repo := e.repo
	if auth != nil && auth.Repository != nil {
		repo = auth.Repository
	}

	job := &domain.ExportJob{
		ID:              uuid.NewString(),
		Status:          domain.ExportAccepted,
		Request:         req,
		TransactionTime: e.now().UTC(),
	}

	e.mu.Lock()
	e.jobs[job.ID] = job
	snapshot := *job
	e.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(runCtx, repo, job.ID, req)
	}()

	return &snapshot, nil
}

// GetExport returns a snapshot of the job.
func (e *MemoryExporter) GetExport(_ context.Context, id string) (*domain.ExportJob, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	job, ok := e.jobs[id]
	if !ok {
		return nil, fmt.Errorf("export %s: %w", id, domain.ErrNotFound)
	}
	snapshot := *job
	snapshot.Output = slices.Clone(job.Output)
	return &snapshot, nil
}

// Wait blocks until every started export has finished.
func (e *MemoryExporter) Wait() {
	e.wg.Wait()
}

func (e *MemoryExporter) run(ctx context.Context, repo domain.Repository, id string, req domain.ExportRequest) {
	output, err := e.export(ctx, repo, req)

	e.mu.Lock()
	defer e.mu.Unlock()

	job := e.jobs[id]
	if err != nil {
		job.Status = domain.ExportFailed
		job.Error = err.Error()
		e.logger.Error("Bulk export failed", "job_id", id, "error", err)
		return
	}
	job.Status = domain.ExportCompleted
	job.Output = output
	e.logger.Info("Bulk export completed", "job_id", id, "files", len(output))
}

func (e *MemoryExporter) export(ctx context.Context, repo domain.Repository, req domain.ExportRequest) ([]domain.ExportOutput, error) {
	all, err := repo.Search(ctx, domain.SearchRequest{Count: -1})
	if err != nil {
		return nil, fmt.Errorf("collect resources: %w", err)
	}

	var include func(*domain.Resource) bool
	switch req.Level {
	case domain.ExportPatient:
		include = func(r *domain.Resource) bool {
			return r.ResourceType == "Patient" || referencesType(r, "Patient")
		}
	case domain.ExportGroup:
		group, err := repo.ReadResource(ctx, "Group", req.GroupID)
		if err != nil {
			return nil, fmt.Errorf("read group %s: %w", req.GroupID, err)
		}
		members := groupMembers(group)
		include = func(r *domain.Resource) bool {
			if slices.Contains(members, r.Ref()) {
				return true
			}
			return slices.ContainsFunc(members, func(m string) bool { return referencesTarget(r.Fields, m) })
		}
	default:
		include = func(*domain.Resource) bool { return true }
	}

	byType := map[string][]*domain.Resource{}
	for _, r := range all.Resources {
		if len(req.ResourceTypes) > 0 && !slices.Contains(req.ResourceTypes, r.ResourceType) {
			continue
		}
		if req.Since != nil && !lastUpdated(r).After(*req.Since) {
			continue
		}
		if include(r) {
			byType[r.ResourceType] = append(byType[r.ResourceType], r)
		}
	}

	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	output := make([]domain.ExportOutput, 0, len(types))
	for _, t := range types {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, r := range byType[t] {
			if err := enc.Encode(r); err != nil {
				return nil, fmt.Errorf("encode %s: %w", r.Ref(), err)
			}
		}

		binaryID := NewBinaryID()
		if err := e.binaries.WriteBinary(ctx, domain.Binary{ID: binaryID, ContentType: ContentTypeNDJSON, Data: buf.Bytes()}); err != nil {
			return nil, fmt.Errorf("write %s output: %w", t, err)
		}
		output = append(output, domain.ExportOutput{Type: t, URL: "Binary/" + binaryID, Count: len(byType[t])})
	}

	return output, nil
}

func groupMembers(group *domain.Resource) []string {
	raw, _ := group.Get("member")
	items, _ := raw.([]any)

	var members []string
	for _, item := range items {
		m, _ := item.(map[string]any)
		entity, _ := m["entity"].(map[string]any)
		if ref, ok := entity["reference"].(string); ok && ref != "" {
			members = append(members, ref)
		}
	}
	return members
}

func referencesType(r *domain.Resource, resourceType string) bool {
	prefix := resourceType + "/"
	for _, v := range r.Fields {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if ref, ok := m["reference"].(string); ok && strings.HasPrefix(ref, prefix) {
			return true
		}
	}
	return false
}
