package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
	"github.com/Mindburn-Labs/permengine/pkg/store"
)

var (
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: since must be before until")
	// ErrStoreNotConfigured is returned when audit export is invoked without a backing store.
	ErrStoreNotConfigured = errors.New("audit: store not configured (fail-closed)")
)

// Querier is the read side of an event store.
type Querier interface {
	Query(ctx context.Context, f store.Filter) ([]contracts.SecurityEvent, error)
}

// ExportRequest defines what to export. Zero fields select everything.
type ExportRequest struct {
	UserID string    `json:"user_id,omitempty"`
	Since  time.Time `json:"since,omitempty"`
	Until  time.Time `json:"until,omitempty"`
}

// Manifest describes an evidence pack.
type Manifest struct {
	GeneratedAt  time.Time     `json:"generated_at"`
	Request      ExportRequest `json:"request"`
	EventCount   int           `json:"event_count"`
	EventsSHA256 string        `json:"events_sha256"`
	ChainHead    string        `json:"chain_head,omitempty"`
}

// EvidencePack is a zipped export with its checksum.
type EvidencePack struct {
	Data     []byte
	Checksum string
	Manifest Manifest
}

// Exporter handles the creation of evidence packs.
type Exporter struct {
	source Querier
	clock  func() time.Time
}

func NewExporter(source Querier) *Exporter {
	return &Exporter{source: source, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// GeneratePack creates a zip holding the events in chronological order and
// a manifest. When the source is a hash chain its head is recorded.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) (*EvidencePack, error) {
	if !req.Since.IsZero() && !req.Until.IsZero() && req.Since.After(req.Until) {
		return nil, ErrInvalidTimeRange
	}
	if e.source == nil {
		return nil, ErrStoreNotConfigured
	}

	events, err := e.source.Query(ctx, store.Filter{UserID: req.UserID, Since: req.Since, Until: req.Until})
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	events = store.Chronological(events)
	if events == nil {
		events = []contracts.SecurityEvent{}
	}

	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(eventsJSON)
	manifest := Manifest{
		GeneratedAt:  e.clock().UTC(),
		Request:      req,
		EventCount:   len(events),
		EventsSHA256: hex.EncodeToString(sum[:]),
	}
	if h, ok := e.source.(interface{ Head() string }); ok {
		manifest.ChainHead = h.Head()
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	files := []struct {
		name string
		data []byte
	}{
		{"events.json", eventsJSON},
		{"manifest.json", manifestJSON},
		{"README.txt", []byte(fmt.Sprintf("Security event evidence pack\nGenerated at %s\nEvents: %d\n",
			manifest.GeneratedAt.Format(time.RFC3339), manifest.EventCount))},
	}
	for _, f := range files {
		fw, err := w.CreateHeader(&zip.FileHeader{Name: f.name, Method: zip.Deflate, Modified: manifest.GeneratedAt})
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(f.data); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	data := buf.Bytes()
	hash := sha256.Sum256(data)
	return &EvidencePack{Data: data, Checksum: hex.EncodeToString(hash[:]), Manifest: manifest}, nil
}
