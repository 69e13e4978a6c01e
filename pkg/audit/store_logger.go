package audit

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
	"github.com/Mindburn-Labs/permengine/pkg/store"
)

// StoreSink appends events to the hash-chained audit store.
type StoreSink struct {
	store *store.AuditStore
}

func NewStoreSink(s *store.AuditStore) *StoreSink {
	return &StoreSink{store: s}
}

func (l *StoreSink) Write(_ context.Context, ev *contracts.SecurityEvent) error {
	if l.store == nil {
		return fmt.Errorf("fail-closed: audit store not configured")
	}
	_, err := l.store.Append(ev)
	return err
}
