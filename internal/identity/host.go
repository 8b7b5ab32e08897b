package identity

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/google/uuid"

	"github.com/rendis/govflow/internal/store"
	"github.com/rendis/govflow/pkg/schema"
)

// NewWorkerID returns a fresh worker identity such as "host-1a2b3c4d".
func NewWorkerID(prefix string) string {
	if prefix == "" {
		prefix = "host"
	}
	return prefix + "-" + uuid.New().String()[:8]
}

// ValidateHost checks required fields on a Host.
func ValidateHost(h *store.Host) error {
	if h.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "host id is required")
	}
	if h.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "host name is required")
	}
	if len(h.Engines) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "host %q hosts no engines", h.ID)
	}
	return nil
}

// EnsureRegistered returns the registered host with the given id, creating
// it when missing. A known host is marked seen, and re-registered when the
// set of engines it hosts changed.
func EnsureRegistered(ctx context.Context, s store.HostStore, id, name string, engines []string, metadata json.RawMessage) (*store.Host, error) {
	existing, err := s.GetHost(ctx, id)
	if err == nil && sameEngines(existing.Engines, engines) {
		_ = s.UpdateHostSeen(ctx, id)
		return existing, nil
	}
	if err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}

	h := &store.Host{
		ID:       id,
		Name:     name,
		Engines:  engines,
		Metadata: metadata,
	}
	if err := ValidateHost(h); err != nil {
		return nil, err
	}
	if err := s.RegisterHost(ctx, h); err != nil {
		return nil, err
	}
	_ = s.UpdateHostSeen(ctx, id)
	return s.GetHost(ctx, id)
}

func sameEngines(a, b []string) bool {
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}
