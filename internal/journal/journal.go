// Package journal persists sync run history: a summary per run plus the
// last known upload state per remote path. Observational only; the
// engine never reads it to decide remote state.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// journalDirPerm is the permission mode for the journal directory.
	journalDirPerm = fs.FileMode(0o700)

	// journalFilePerm is the permission mode for the journal database file.
	journalFilePerm = fs.FileMode(0o600)

	// journalOpenTimeout is the maximum time to wait for the bolt
	// database lock.
	journalOpenTimeout = 5 * time.Second
)

var (
	runsBucket  = []byte("runs")
	filesBucket = []byte("files")
)

// Run is one sync run's summary.
type Run struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	TotalFiles int       `json:"total_files"`
	Uploaded   int       `json:"uploaded"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Cancelled  bool      `json:"cancelled"`
}

// FileRecord is the last recorded upload state for one remote path.
type FileRecord struct {
	Path     string    `json:"path"`
	BlobSHA  string    `json:"blob_sha"`
	Size     int64     `json:"size"`
	SyncedAt time.Time `json:"synced_at"`
}

// Journal wraps a bbolt database holding run history.
type Journal struct {
	db *bolt.DB
}

// Open opens the journal database at the given path, creating it and
// its parent directory if they do not exist.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), journalDirPerm); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := bolt.Open(path, journalFilePerm, &bolt.Options{Timeout: journalOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening journal db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(runsBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(filesBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing journal db: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordRun appends a run summary. Runs are keyed by a monotonically
// increasing sequence number so iteration order is chronological.
func (j *Journal) RecordRun(run Run) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(runsBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		data, err := json.Marshal(run)
		if err != nil {
			return err
		}

		return b.Put(key, data)
	})
}

// LastRun returns the most recent run summary, or nil when no run has
// been recorded yet.
func (j *Journal) LastRun() (*Run, error) {
	var run *Run

	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(runsBucket).Cursor()

		_, v := c.Last()
		if v == nil {
			return nil
		}

		run = &Run{}

		return json.Unmarshal(v, run)
	})

	return run, err
}

// RunCount returns the number of recorded runs.
func (j *Journal) RunCount() int {
	count := 0
	_ = j.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(runsBucket).Stats().KeyN

		return nil
	})

	return count
}

// SetFile persists the upload record for a remote path.
func (j *Journal) SetFile(fr FileRecord) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(fr)
		if err != nil {
			return err
		}

		return tx.Bucket(filesBucket).Put([]byte(fr.Path), data)
	})
}

// GetFile returns the upload record for a remote path, or nil if not found.
func (j *Journal) GetFile(path string) (*FileRecord, error) {
	var fr *FileRecord

	err := j.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(filesBucket).Get([]byte(path))
		if v == nil {
			return nil
		}

		fr = &FileRecord{}

		return json.Unmarshal(v, fr)
	})

	return fr, err
}

// DeleteFile removes the upload record for a remote path.
func (j *Journal) DeleteFile(path string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).Delete([]byte(path))
	})
}

// AllFiles returns every upload record, keyed by remote path.
func (j *Journal) AllFiles() (map[string]FileRecord, error) {
	result := make(map[string]FileRecord)

	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(k, v []byte) error {
			var fr FileRecord
			if err := json.Unmarshal(v, &fr); err != nil {
				return err
			}

			result[string(k)] = fr

			return nil
		})
	})

	return result, err
}
