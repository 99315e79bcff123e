package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"krauler/pkg/log"
	"krauler/pkg/models"
	"krauler/pkg/utils"
)

const (
	pageKeyPrefix  = "page:"      // Seen set: normalized URL -> PageDBEntry
	queueKeyPrefix = "queue:"     // Frontier log: normalized URL -> WorkItem
	visitedDBDir   = "visited_db" // Subdirectory name within stateDir for Badger DB files
)

var errNotInitialized = fmt.Errorf("%w: visited DB not initialized", utils.ErrDatabase)

// BadgerStore implements VisitedStore using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	keyCount atomic.Int64 // Cached page key count for O(1) GetVisitedCount
}

// NewBadgerStore opens (or, without resume, recreates) the crawl state DB for name under stateDir
func NewBadgerStore(stateDir, name string, resume bool, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{log: logger}

	dbPath := filepath.Join(stateDir, utils.SanitizeFilename(name)+"_"+visitedDBDir)

	if !resume {
		logger.Warnf("Resume flag is false. REMOVING existing state directory: %s", dbPath)
		if err := os.RemoveAll(dbPath); err != nil {
			logger.Errorf("Failed to remove existing state directory %s: %v", dbPath, err)
		}
	}

	logger.Infof("Initializing crawl state database at: %s (Resume: %v)", dbPath, resume)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}

	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))
	opts := badger.DefaultOptions(dbPath).
		WithLogger(badgerLogger).
		WithNumVersionsToKeep(1)

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}

	if resume {
		count, err := store.countPageKeys()
		if err != nil {
			logger.Warnf("Failed to count existing page keys on resume: %v", err)
		} else {
			store.keyCount.Store(int64(count))
			logger.Infof("Loaded existing seen count on resume: %d", count)
		}
	}

	logger.Info("Crawl state database initialized successfully.")
	return store, nil
}

// countPageKeys performs a one-time prefix scan (used only during initialization on resume).
func (s *BadgerStore) countPageKeys() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(pageKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

func keyExists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// MarkSeen implements PageStore. The pending record carries the depth for later inspection.
func (s *BadgerStore) MarkSeen(normalizedPageURL string, depth int) (bool, error) {
	if s.db == nil {
		return false, errNotInitialized
	}
	key := []byte(pageKeyPrefix + normalizedPageURL)

	pending, errJson := json.Marshal(&models.PageDBEntry{
		Status:      models.PageStatusPending,
		Depth:       depth,
		LastAttempt: time.Now(),
	})
	if errJson != nil {
		return false, fmt.Errorf("%w: marshal pending entry for '%s': %w", utils.ErrParsing, normalizedPageURL, errJson)
	}

	added := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		added = false
		exists, errGet := keyExists(txn, key)
		if errGet != nil || exists {
			return errGet
		}
		if errSet := txn.SetEntry(badger.NewEntry(key, pending)); errSet != nil {
			return errSet
		}
		added = true
		return nil
	})

	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in MarkSeen: %v", err)
		return false, fmt.Errorf("%w: marking page key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if added {
		s.keyCount.Add(1)
	}
	return added, nil
}

// IsSeen implements PageStore
func (s *BadgerStore) IsSeen(normalizedPageURL string) (bool, error) {
	if s.db == nil {
		return false, errNotInitialized
	}
	seen := false
	err := s.db.View(func(txn *badger.Txn) error {
		var errGet error
		seen, errGet = keyExists(txn, []byte(pageKeyPrefix+normalizedPageURL))
		return errGet
	})
	if err != nil {
		return false, fmt.Errorf("%w: checking page key for '%s': %w", utils.ErrDatabase, normalizedPageURL, err)
	}
	return seen, nil
}

// CheckPageStatus implements PageStore
func (s *BadgerStore) CheckPageStatus(normalizedPageURL string) (models.PageStatus, *models.PageDBEntry, error) {
	if s.db == nil {
		return models.PageStatusDBError, nil, errNotInitialized
	}
	status := models.PageStatusNotFound
	var entry *models.PageDBEntry
	key := []byte(pageKeyPrefix + normalizedPageURL)

	errView := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting page key '%s': %w", utils.ErrDatabase, string(key), errGet)
		}

		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				status = models.PageStatusPending
				return nil
			}

			var decoded models.PageDBEntry
			if errJson := json.Unmarshal(val, &decoded); errJson != nil {
				s.log.Warnf("Failed to unmarshal PageDBEntry for key '%s': %v. Treating as 'pending'.", string(key), errJson)
				status = models.PageStatusPending
				return nil
			}

			entry = &decoded
			status = decoded.Status
			if !status.IsSeen() {
				s.log.Warnf("Unknown status %s for key '%s'. Treating as 'pending'.", status, string(key))
				status = models.PageStatusPending
			}
			return nil
		})
	})

	if errView != nil {
		s.log.Errorf("DB View error in CheckPageStatus for key '%s': %v", string(key), errView)
		return models.PageStatusDBError, nil, errView
	}
	return status, entry, nil
}

// UpdatePageStatus implements PageStore
func (s *BadgerStore) UpdatePageStatus(normalizedPageURL string, entry *models.PageDBEntry) error {
	if s.db == nil {
		return errNotInitialized
	}
	key := []byte(pageKeyPrefix + normalizedPageURL)
	if !entry.Status.IsValid() {
		return fmt.Errorf("%w: refusing to store status %s for key '%s'", utils.ErrDatabase, entry.Status, string(key))
	}

	entryBytes, errJson := json.Marshal(entry)
	if errJson != nil {
		wrappedErr := fmt.Errorf("%w: failed to marshal PageDBEntry for key '%s': %w", utils.ErrParsing, string(key), errJson)
		s.log.Error(wrappedErr)
		return wrappedErr
	}

	isNew := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		exists, errGet := keyExists(txn, key)
		if errGet != nil {
			return errGet
		}
		isNew = !exists
		return txn.SetEntry(badger.NewEntry(key, entryBytes))
	})

	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in UpdatePageStatus: %v", err)
		return fmt.Errorf("%w: failed setting page status for key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if isNew {
		s.keyCount.Add(1)
	}

	s.log.Debugf("Updated page status for key '%s' to '%s'", string(key), entry.Status)
	return nil
}

// MarkQueued implements FrontierStore
func (s *BadgerStore) MarkQueued(item models.WorkItem) (bool, error) {
	if s.db == nil {
		return false, errNotInitialized
	}
	queueKey := []byte(queueKeyPrefix + item.URL)
	pageKey := []byte(pageKeyPrefix + item.URL)

	itemBytes, errJson := json.Marshal(item)
	if errJson != nil {
		return false, fmt.Errorf("%w: marshal work item '%s': %w", utils.ErrParsing, item.URL, errJson)
	}

	added := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		added = false
		for _, k := range [][]byte{pageKey, queueKey} {
			exists, errGet := keyExists(txn, k)
			if errGet != nil || exists {
				return errGet
			}
		}
		if errSet := txn.SetEntry(badger.NewEntry(queueKey, itemBytes)); errSet != nil {
			return errSet
		}
		added = true
		return nil
	})
	if err != nil {
		s.log.WithField("key", string(queueKey)).Errorf("DB Update error in MarkQueued: %v", err)
		return false, fmt.Errorf("%w: marking queue key '%s': %w", utils.ErrDatabase, string(queueKey), err)
	}
	return added, nil
}

// RequeueIncomplete implements FrontierStore
func (s *BadgerStore) RequeueIncomplete(ctx context.Context, workChan chan<- models.WorkItem) (int, int, error) {
	s.log.Info("Resume Mode: Scanning database for queued work that was never started...")
	requeuedCount := 0
	scanErrors := 0
	scanStartTime := time.Now()

	scanErr := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(queueKeyPrefix)

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				s.log.Warnf("Resume scan interrupted by context cancellation: %v", ctx.Err())
				return ctx.Err()
			default:
			}

			item := it.Item()
			url := string(item.KeyCopy(nil)[len(prefix):])

			seen, errGet := keyExists(txn, []byte(pageKeyPrefix+url))
			if errGet != nil {
				s.log.Errorf("Resume Scan: Error checking page key for '%s': %v", url, errGet)
				scanErrors++
				continue
			}
			if seen {
				continue
			}

			var work models.WorkItem
			errValue := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &work)
			})
			if errValue != nil {
				s.log.Errorf("Resume Scan: Failed to decode WorkItem for '%s': %v. Skipping.", url, errValue)
				scanErrors++
				continue
			}

			select {
			case workChan <- work:
				requeuedCount++
				s.log.Debugf("Resume Scan: Requeued '%s' (Depth: %d)", work.URL, work.Depth())
			case <-ctx.Done():
				s.log.Warnf("Resume scan interrupted while sending '%s' to queue: %v", url, ctx.Err())
				return ctx.Err()
			}
		}
		return nil
	})

	if scanErr != nil && !errors.Is(scanErr, context.Canceled) && !errors.Is(scanErr, context.DeadlineExceeded) {
		s.log.Errorf("Error during DB scan for resume: %v.", scanErr)
		scanErr = fmt.Errorf("%w: resume scan: %w", utils.ErrDatabase, scanErr)
	}
	s.log.Infof("Resume Scan Complete: Requeued %d tasks in %v. Errors: %d.", requeuedCount, time.Since(scanStartTime), scanErrors)
	return requeuedCount, scanErrors, scanErr
}

// GetVisitedCount implements StoreAdmin.
// Returns the cached page key count (O(1)) maintained by atomic increments on writes.
func (s *BadgerStore) GetVisitedCount() (int, error) {
	return int(s.keyCount.Load()), nil
}

// RunGC runs BadgerDB's garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Debug("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				s.log.Debug("DB GC: Database is nil or closed, skipping GC cycle.")
				continue
			}

			var err error
			// Keep collecting while at least half of a value log file is reclaimable
			for err == nil {
				err = s.db.RunValueLogGC(0.5)
			}
			if errors.Is(err, badger.ErrNoRewrite) {
				s.log.Debug("BadgerDB GC finished (no rewrite needed).")
			} else {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}

		case <-ctx.Done():
			s.log.Debugf("Stopping BadgerDB garbage collection goroutine: %v", ctx.Err())
			return
		}
	}
}

// WriteVisitedLog implements StoreAdmin: one seen URL per line, in key order.
func (s *BadgerStore) WriteVisitedLog(ctx context.Context, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		s.log.Errorf("Failed create visited log '%s': %v", filePath, err)
		return fmt.Errorf("%w: create visited log '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	var writeErr error
	writtenCount := 0

	iterErr := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(pageKeyPrefix)

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				s.log.Warnf("WriteVisitedLog scan interrupted by context cancellation: %v", err)
				return err
			}

			key := it.Item().KeyCopy(nil)
			if _, err := writer.Write(append(key[len(prefix):], '\n')); err != nil {
				return err
			}
			writtenCount++
			if writtenCount%5000 == 0 {
				if err := writer.Flush(); err != nil {
					return err
				}
			}
		}
		return nil
	})

	if flushErr := writer.Flush(); flushErr != nil && writeErr == nil {
		writeErr = flushErr
	}
	if syncErr := file.Sync(); syncErr != nil && writeErr == nil {
		writeErr = syncErr
	}

	switch {
	case iterErr != nil:
		s.log.Warnf("Finished writing visited log with errors. Wrote ~%d URLs to %s: %v", writtenCount, filePath, iterErr)
		if errors.Is(iterErr, context.Canceled) || errors.Is(iterErr, context.DeadlineExceeded) {
			return iterErr
		}
		return fmt.Errorf("%w: writing visited log: %w", utils.ErrDatabase, iterErr)
	case writeErr != nil:
		return fmt.Errorf("%w: writing visited log '%s': %w", utils.ErrFilesystem, filePath, writeErr)
	}
	s.log.Infof("Finished writing %d URLs to visited log: %s", writtenCount, filePath)
	return nil
}

// Close implements StoreAdmin
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		s.log.Info("Closing crawl state DB...")
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing crawl state DB: %v", err)
			return fmt.Errorf("%w: close: %w", utils.ErrDatabase, err)
		}
		return nil
	}
	return nil
}
