// Package history keeps a bounded record of finished jobs.
package history

import (
	"sync"

	"github.com/jelmer/janitor-go/internal/models"
)

// DefaultCapacity is the default number of terminal records retained.
const DefaultCapacity = 100

// Log is an insertion-ordered, capacity-bounded record of terminal
// JobInfo entries. When full, the oldest entry is evicted first.
type Log struct {
	mu       sync.RWMutex
	entries  []*models.JobInfo
	byID     map[string]*models.JobInfo
	capacity int
}

// NewLog creates a history log. A capacity <= 0 uses DefaultCapacity.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		entries:  make([]*models.JobInfo, 0, capacity),
		byID:     make(map[string]*models.JobInfo),
		capacity: capacity,
	}
}

// Append records a finished job, evicting the oldest entry when the
// log is at capacity. The entry is cloned on the way in.
func (l *Log) Append(info *models.JobInfo) {
	entry := info.Clone()

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) >= l.capacity {
		oldest := l.entries[0]
		l.entries = l.entries[1:]
		delete(l.byID, oldest.ID)
	}
	l.entries = append(l.entries, entry)
	l.byID[entry.ID] = entry
}

// List returns all retained entries, oldest first.
func (l *Log) List() []*models.JobInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*models.JobInfo, 0, len(l.entries))
	for _, entry := range l.entries {
		result = append(result, entry.Clone())
	}
	return result
}

// Get returns the entry with the given id, or ErrJobNotFound.
func (l *Log) Get(id string) (*models.JobInfo, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.byID[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return entry.Clone(), nil
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// CountByStatus returns the number of retained entries per terminal status.
func (l *Log) CountByStatus() map[models.JobStatus]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counts := make(map[models.JobStatus]int)
	for _, entry := range l.entries {
		counts[entry.Status]++
	}
	return counts
}
