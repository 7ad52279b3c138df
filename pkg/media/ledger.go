package media

import (
	"context"
	"sync"
	"time"

	"igsession/pkg/instagram"
)

// Metadata describes one highlight item returned to a caller
type Metadata struct {
	MediaID     string    `json:"media_id"`
	MediaPK     string    `json:"media_pk"`
	ItemPK      string    `json:"item_pk"`
	URL         string    `json:"url"`
	MediaType   int       `json:"media_type"`
	ProductType string    `json:"product_type"`
	Owner       string    `json:"owner"`
	FetchedBy   string    `json:"fetched_by"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Ledger persists handed-out media per owner
type Ledger interface {
	// SeenIDs returns the highlight ids already recorded for owner
	SeenIDs(ctx context.Context, owner string) (map[string]bool, error)
	Record(ctx context.Context, items []Metadata) error
	Close() error
}

// Select drops highlights already in seen and returns at most limit of the
// rest, plus whether more remain.
func Select(highlights []instagram.Highlight, seen map[string]bool, limit int) ([]instagram.Highlight, bool) {
	if limit < 0 {
		limit = 0
	}
	fresh := make([]instagram.Highlight, 0, len(highlights))
	for _, h := range highlights {
		if !seen[h.ID] {
			fresh = append(fresh, h)
		}
	}
	if limit < len(fresh) {
		return fresh[:limit], true
	}
	return fresh, false
}

// Describe flattens highlights into ledger rows
func Describe(highlights []instagram.Highlight, owner, fetchedBy string, at time.Time) []Metadata {
	var out []Metadata
	for _, h := range highlights {
		for _, item := range h.Items {
			out = append(out, Metadata{
				MediaID:     h.ID,
				MediaPK:     h.PK,
				ItemPK:      item.PK,
				URL:         item.URL(),
				MediaType:   h.MediaType,
				ProductType: h.ProductType,
				Owner:       owner,
				FetchedBy:   fetchedBy,
				FetchedAt:   at,
			})
		}
	}
	return out
}

// MemoryLedger keeps rows in process memory
type MemoryLedger struct {
	mu   sync.RWMutex
	rows map[string][]Metadata
}

// NewMemoryLedger creates an empty ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{rows: make(map[string][]Metadata)}
}

func (l *MemoryLedger) SeenIDs(ctx context.Context, owner string) (map[string]bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seen := make(map[string]bool)
	for _, row := range l.rows[owner] {
		seen[row.MediaID] = true
	}
	return seen, nil
}

func (l *MemoryLedger) Record(ctx context.Context, items []Metadata) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, item := range items {
		l.rows[item.Owner] = append(l.rows[item.Owner], item)
	}
	return nil
}

func (l *MemoryLedger) Close() error {
	return nil
}
