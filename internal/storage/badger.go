package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/jelmer/janitor-go/internal/models"
	"github.com/jelmer/janitor-go/pkg/clock"
)

// Compile-time check.
var _ RunStore = (*BadgerStore)(nil)

// BackchannelFactory rebuilds the backchannel capability for a run
// loaded from disk. Capabilities are references, not data, so they are
// never persisted.
type BackchannelFactory func(run *models.ActiveRun) models.Backchannel

// BadgerStore implements RunStore on BadgerDB.
type BadgerStore struct {
	db      *badger.DB
	clock   clock.Clock
	rebuild BackchannelFactory
	stopGC  chan struct{}
}

// Key prefixes for the different record types.
const (
	prefixActive  = "active/"
	prefixResults = "results/"
)

// NewBadgerStore opens (or creates) a run store under dataDir.
func NewBadgerStore(dataDir string, clk clock.Clock, rebuild BackchannelFactory) (*BadgerStore, error) {
	if clk == nil {
		clk = clock.New()
	}

	opts := badger.DefaultOptions(filepath.Join(dataDir, "runs.db"))
	opts.Logger = nil
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open run database: %w", err)
	}

	s := &BadgerStore{
		db:      db,
		clock:   clk,
		rebuild: rebuild,
		stopGC:  make(chan struct{}),
	}
	go s.runGC()
	return s, nil
}

// Close stops background work and closes the database.
func (s *BadgerStore) Close() error {
	close(s.stopGC)
	return s.db.Close()
}

// runGC runs periodic value-log garbage collection.
func (s *BadgerStore) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

func activeKey(id string) []byte { return []byte(prefixActive + id) }
func resultKey(id string) []byte { return []byte(prefixResults + id) }

// AddRun registers a run for supervision.
func (s *BadgerStore) AddRun(run *models.ActiveRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(activeKey(run.ID), data)
	})
}

// ActiveRuns returns all runs currently registered as active.
func (s *BadgerStore) ActiveRuns() ([]*models.ActiveRun, error) {
	var runs []*models.ActiveRun
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixActive)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var run models.ActiveRun
				if err := json.Unmarshal(val, &run); err != nil {
					return err
				}
				runs = append(runs, s.attach(&run))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// ActiveRun returns the active run with the given id.
func (s *BadgerStore) ActiveRun(id string) (*models.ActiveRun, error) {
	var run models.ActiveRun
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(activeKey(id))
		if err == badger.ErrKeyNotFound {
			return models.ErrRunNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &run)
		})
	})
	if err != nil {
		return nil, err
	}
	return s.attach(&run), nil
}

// attach rebuilds the backchannel capability for a loaded run.
func (s *BadgerStore) attach(run *models.ActiveRun) *models.ActiveRun {
	if s.rebuild != nil {
		run.Backchannel = s.rebuild(run)
	}
	return run
}

// UpdateRunResult writes the terminal result for a run.
func (s *BadgerStore) UpdateRunResult(id, code, description string, details map[string]interface{}, transient bool, finishedAt time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		result := &models.RunResult{
			RunID:       id,
			Code:        code,
			Description: description,
			Transient:   transient,
			FinishedAt:  finishedAt,
			Details:     details,
		}

		// Fill in run context when the active record is still around.
		if item, err := txn.Get(activeKey(id)); err == nil {
			var run models.ActiveRun
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &run)
			}); err == nil {
				result.Codebase = run.Codebase
				result.Campaign = run.Campaign
				result.Worker = run.Worker
				result.StartTime = run.StartTime
				result.RetryCount = run.Attempt
			}
		}

		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		return txn.Set(resultKey(id), data)
	})
}

// RemoveActiveRun removes a run from the active set.
func (s *BadgerStore) RemoveActiveRun(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(activeKey(id))
	})
}

// RunResult returns the terminal result for a run.
func (s *BadgerStore) RunResult(id string) (*models.RunResult, error) {
	var result models.RunResult
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(resultKey(id))
		if err == badger.ErrKeyNotFound {
			return models.ErrRunNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &result)
		})
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CleanupStaleRuns removes active-run records older than maxAge.
func (s *BadgerStore) CleanupStaleRuns(maxAge time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-maxAge)
	removed := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixActive)
		it := txn.NewIterator(opts)
		defer it.Close()

		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var run models.ActiveRun
				if err := json.Unmarshal(val, &run); err != nil {
					return err
				}
				if run.StartTime.Before(cutoff) {
					stale = append(stale, item.KeyCopy(nil))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// MarkRunsForRetry marks failed transient results eligible for retry.
func (s *BadgerStore) MarkRunsForRetry(maxRetries int, minDelay time.Duration) (int, error) {
	now := s.clock.Now()
	marked := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixResults)
		it := txn.NewIterator(opts)
		defer it.Close()

		var updates []*models.RunResult
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var result models.RunResult
				if err := json.Unmarshal(val, &result); err != nil {
					return err
				}
				if result.RetryEligible || !result.Transient {
					return nil
				}
				if result.RetryCount >= maxRetries {
					return nil
				}
				if now.Sub(result.FinishedAt) < minDelay {
					return nil
				}
				result.RetryEligible = true
				updates = append(updates, &result)
				return nil
			})
			if err != nil {
				return err
			}
		}
		for _, result := range updates {
			data, err := json.Marshal(result)
			if err != nil {
				return err
			}
			if err := txn.Set(resultKey(result.RunID), data); err != nil {
				return err
			}
			marked++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

// MaintenanceCleanup triggers a value-log garbage collection pass.
func (s *BadgerStore) MaintenanceCleanup() error {
	err := s.db.RunValueLogGC(0.5)
	if err == badger.ErrNoRewrite {
		return nil
	}
	return err
}

// FailureStats returns counts of terminal results by result code.
func (s *BadgerStore) FailureStats() (map[string]int64, error) {
	stats := make(map[string]int64)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixResults)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var result models.RunResult
				if err := json.Unmarshal(val, &result); err != nil {
					return err
				}
				stats[result.Code]++
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
