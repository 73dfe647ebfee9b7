package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ArchivePrefix is the key prefix of archived raw files.
const ArchivePrefix = "raw/"

// Archiver keeps snappy-compressed copies of imported raw files so a
// rebuilt database can be re-imported from the archive.
type Archiver struct {
	storage     ObjectStorage
	logger      *zap.Logger
	concurrency int
	tmpDir      string
}

// NewArchiver creates an archiver over storage.
func NewArchiver(storage ObjectStorage, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{storage: storage, logger: logger, concurrency: 4}
}

// ArchiveKey returns the object key of a raw file with the given content
// hash, imported at the given time.
func ArchiveKey(localPath, hash string, at time.Time) string {
	return fmt.Sprintf("%s%04d/%s%s.sz", ArchivePrefix, at.Year(), hash, strings.ToLower(filepath.Ext(localPath)))
}

// Archive compresses and uploads a raw file. Content already archived
// under the same key is not uploaded again.
func (a *Archiver) Archive(ctx context.Context, localPath, hash string, at time.Time) (string, error) {
	key := ArchiveKey(localPath, hash, at)
	exists, err := a.storage.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		a.logger.Debug("raw file already archived", zap.String("key", key))
		return key, nil
	}

	raw, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	tmp, err := os.CreateTemp(a.tmpDir, "archive-*.sz")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer os.Remove(tmp.Name())
	_, werr := tmp.Write(snappy.Encode(nil, raw))
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, werr)
	}

	if err := a.storage.Upload(ctx, tmp.Name(), key); err != nil {
		return "", err
	}
	a.logger.Info("archived raw file",
		zap.String("path", localPath), zap.String("key", key), zap.Int("bytes", len(raw)))
	return key, nil
}

// Restore downloads and decompresses an archived file into dst.
func (a *Archiver) Restore(ctx context.Context, key, dst string) error {
	tmp, err := os.CreateTemp(a.tmpDir, "restore-*.sz")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	if err := a.storage.Download(ctx, key, tmp.Name()); err != nil {
		return err
	}
	compressed, err := os.ReadFile(tmp.Name())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return fmt.Errorf("%w: corrupt archive %s: %v", ErrDownloadFailed, key, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if err := os.WriteFile(dst, raw, 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	return nil
}

// RestoreResult is the outcome of RestoreAll.
type RestoreResult struct {
	Paths  map[string]string
	Errors map[string]error
}

// RestoreAll restores every archived file under prefix into dir, a bounded
// number at a time. Restored files are named by their hash and original
// extension.
func (a *Archiver) RestoreAll(ctx context.Context, prefix, dir string) (*RestoreResult, error) {
	keys, err := a.storage.ListObjects(ctx, ArchivePrefix+prefix)
	if err != nil {
		return nil, err
	}

	result := &RestoreResult{
		Paths:  make(map[string]string),
		Errors: make(map[string]error),
	}
	sem := semaphore.NewWeighted(int64(a.concurrency))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, key := range keys {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[key] = err
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(key string) {
			defer sem.Release(1)
			defer wg.Done()

			dst := filepath.Join(dir, strings.TrimSuffix(path.Base(key), ".sz"))
			err := a.Restore(ctx, key, dst)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[key] = err
				return
			}
			result.Paths[key] = dst
		}(key)
	}
	wg.Wait()
	return result, nil
}
