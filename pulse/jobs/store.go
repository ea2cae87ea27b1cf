package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
)

const (
	partitionLayout = "2006-01-02"
	partitionExt    = ".json"
)

// ErrStorage marks disk and permission failures of the job store.
var ErrStorage = errors.New("job storage failure")

// StorageError is returned when a partition cannot be read, written or removed.
// Malformed partitions are not storage errors; they are skipped on load.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("job store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is matches ErrStorage
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// IsStorageError reports whether err carries a *StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Store persists jobs as one JSON array per effective date:
//
//	<dir>/2026-03-14.json
//
// Every write goes to a temp file in the same directory and is renamed over
// the partition, so readers never see a half-written file.
type Store struct {
	dir string
	loc *time.Location
	log *zap.SugaredLogger
}

// NewStore creates a store rooted at dir. Partition dates are computed in loc
// (UTC when nil).
func NewStore(dir string, loc *time.Location, log *zap.SugaredLogger) *Store {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{dir: dir, loc: loc, log: logger.AddDBSymbol(log)}
}

// Dir returns the partition directory
func (s *Store) Dir() string { return s.dir }

// PartitionKey returns the date partition a job belongs to
func (s *Store) PartitionKey(j Job) string {
	return j.EffectiveTime().In(s.loc).Format(partitionLayout)
}

func (s *Store) partitionPath(key string) string {
	return filepath.Join(s.dir, key+partitionExt)
}

func partitionKeyFromName(name string) (string, bool) {
	if !strings.HasSuffix(name, partitionExt) {
		return "", false
	}
	key := strings.TrimSuffix(name, partitionExt)
	if _, err := time.Parse(partitionLayout, key); err != nil {
		return "", false
	}
	return key, true
}

// partitions lists existing partition keys in date order
func (s *Store) partitions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &StorageError{Op: "list", Path: s.dir, Err: err}
	}
	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if key, ok := partitionKeyFromName(entry.Name()); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Load reads every partition. A corrupt partition is skipped with a warning.
// When the same job ID appears in several partitions the later one wins.
func (s *Store) Load() ([]Job, error) {
	keys, err := s.partitions()
	if err != nil {
		return nil, err
	}

	index := make(map[string]int)
	var out []Job
	for _, key := range keys {
		path := s.partitionPath(key)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &StorageError{Op: "read", Path: path, Err: err}
		}

		var batch []Job
		if err := json.Unmarshal(data, &batch); err != nil {
			s.log.Warnw("Skipping corrupt job partition",
				logger.FieldPartition, key,
				logger.FieldPath, path,
				logger.FieldError, err,
			)
			continue
		}

		for _, j := range batch {
			if j.ID == "" {
				s.log.Warnw("Skipping job record without id", logger.FieldPartition, key)
				continue
			}
			if i, seen := index[j.ID]; seen {
				s.log.Debugw("Duplicate job id across partitions, keeping later record",
					logger.FieldJobID, j.ID,
					logger.FieldPartition, key,
				)
				out[i] = j
				continue
			}
			index[j.ID] = len(out)
			out = append(out, j)
		}
	}

	s.log.Debugw("Loaded jobs", logger.FieldCount, len(out), "partitions", len(keys))
	return out, nil
}

// Save rewrites every partition from all and removes partitions that no
// longer hold any job.
func (s *Store) Save(all []Job) error {
	existing, err := s.partitions()
	if err != nil {
		return err
	}
	groups := s.group(all)
	keys := make([]string, 0, len(groups)+len(existing))
	for key := range groups {
		keys = append(keys, key)
	}
	keys = append(keys, existing...)
	return s.write(groups, keys)
}

// SavePartitions rewrites only the named partitions, taking their contents
// from all. A named partition left with no jobs is removed.
func (s *Store) SavePartitions(all []Job, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.write(s.group(all), keys)
}

func (s *Store) group(all []Job) map[string][]Job {
	groups := make(map[string][]Job)
	for _, j := range all {
		key := s.PartitionKey(j)
		groups[key] = append(groups[key], j)
	}
	for _, batch := range groups {
		sort.SliceStable(batch, func(a, b int) bool {
			return batch[a].CreatedAt.Before(batch[b].CreatedAt)
		})
	}
	return groups
}

func (s *Store) write(groups map[string][]Job, keys []string) error {
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return &StorageError{Op: "mkdir", Path: s.dir, Err: err}
	}

	done := make(map[string]bool, len(keys))
	for _, key := range keys {
		if done[key] {
			continue
		}
		done[key] = true

		batch := groups[key]
		if len(batch) == 0 {
			if err := s.removePartition(key); err != nil {
				return err
			}
			continue
		}
		if err := s.writePartition(key, batch); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) removePartition(key string) error {
	path := s.partitionPath(key)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &StorageError{Op: "remove", Path: path, Err: err}
	}
	s.log.Debugw("Removed empty job partition", logger.FieldPartition, key)
	return nil
}

func (s *Store) writePartition(key string, batch []Job) error {
	path := s.partitionPath(key)

	data, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode partition %s", key)
	}

	tmp, err := os.CreateTemp(s.dir, "."+key+"-*.tmp")
	if err != nil {
		return &StorageError{Op: "create", Path: path, Err: err}
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return &StorageError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return &StorageError{Op: "sync", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &StorageError{Op: "close", Path: tmpPath, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return &StorageError{Op: "rename", Path: path, Err: err}
	}
	return nil
}
