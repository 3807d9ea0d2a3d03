package presence

import (
	"sync"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

// Directory remembers the display names announced in presence records.
// Names outlive the record so a departing presenter keeps its label.
type Directory struct {
	mu    sync.RWMutex
	names map[domain.ParticipantID]string
	count int
}

func NewDirectory() *Directory {
	return &Directory{names: make(map[domain.ParticipantID]string)}
}

func (d *Directory) Update(s core.PresenceSnapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count = s.Count
	for _, r := range s.Records {
		if r.DisplayName != "" {
			d.names[r.ParticipantID] = r.DisplayName
		}
	}
}

// Set records a name learned out of band, e.g. the local presenter's own.
func (d *Directory) Set(id domain.ParticipantID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names[id] = name
}

// Name returns the display name for id, or "" when unknown.
func (d *Directory) Name(id domain.ParticipantID) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.names[id]
}

// Count returns the presence count of the latest snapshot.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.count
}
