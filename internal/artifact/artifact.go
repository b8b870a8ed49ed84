// Package artifact persists rendered signed documents to the configured storage backend
// under collision-resistant names and resolves their retrievable URLs.
package artifact

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/membershiphub/esign/internal/storage"
	"github.com/membershiphub/esign/internal/telemetry"
	"github.com/membershiphub/esign/pkg/checksum"
)

// ContentType of every stored artifact
const ContentType = "application/pdf"

// StorageError means the artifact could not be persisted or resolved. Completion must not
// proceed when it is returned.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("artifact storage %s failed for %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Artifact describes a stored signed document
type Artifact struct {
	Path        string
	URL         string
	Checksum    string
	Size        int64
	GeneratedAt time.Time
}

// Store writes artifacts to a storage backend
type Store struct {
	backend       storage.Storage
	uploadTimeout time.Duration
	urlTTL        time.Duration

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New creates an artifact Store. uploadTimeout bounds each upload; urlTTL is the lifetime
// of signed URLs returned by cloud backends.
func New(backend storage.Storage, uploadTimeout, urlTTL time.Duration) *Store {
	return &Store{
		backend:       backend,
		uploadTimeout: uploadTimeout,
		urlTTL:        urlTTL,
		entropy:       ulid.Monotonic(rand.Reader, 0),
	}
}

// ObjectName returns contracts/<contractID>/signed-<YYYYMMDDTHHMMSSZ>-<ulid>.pdf
func ObjectName(contractID string, at time.Time, id ulid.ULID) string {
	return fmt.Sprintf("contracts/%s/signed-%s-%s.pdf", contractID, at.UTC().Format("20060102T150405Z"), id.String())
}

func (s *Store) newID(at time.Time) (ulid.ULID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.New(ulid.Timestamp(at), s.entropy)
}

// Store uploads data as the signed artifact for contractID and resolves its URL.
// Any failure is a *StorageError; an object uploaded before a URL failure is removed.
func (s *Store) Store(ctx context.Context, data []byte, contractID string, at time.Time) (*Artifact, error) {
	id, err := s.newID(at)
	if err != nil {
		return nil, &StorageError{Op: "name", Path: contractID, Err: err}
	}
	path := ObjectName(contractID, at, id)

	uploadCtx := ctx
	if s.uploadTimeout > 0 {
		var cancel context.CancelFunc
		uploadCtx, cancel = context.WithTimeout(ctx, s.uploadTimeout)
		defer cancel()
	}

	result, err := s.backend.Upload(uploadCtx, path, bytes.NewReader(data), int64(len(data)), ContentType)
	if err == nil && uploadCtx.Err() != nil {
		err = uploadCtx.Err()
	}
	if err != nil {
		telemetry.ArtifactsStoredTotal.WithLabelValues(s.backend.Name(), "failed").Inc()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("upload timed out after %s: %w", s.uploadTimeout, err)
		}
		return nil, &StorageError{Op: "upload", Path: path, Err: err}
	}

	sum := result.Checksum
	if sum == "" {
		sum = checksum.Sum(data)
	}

	url, err := s.backend.GetURL(ctx, result.Path, s.urlTTL)
	if err != nil {
		telemetry.ArtifactsStoredTotal.WithLabelValues(s.backend.Name(), "failed").Inc()
		if delErr := s.backend.Delete(context.WithoutCancel(ctx), result.Path); delErr != nil {
			slog.Warn("failed to remove orphaned artifact", "path", result.Path, "error", delErr)
		}
		return nil, &StorageError{Op: "url", Path: result.Path, Err: err}
	}

	telemetry.ArtifactsStoredTotal.WithLabelValues(s.backend.Name(), "stored").Inc()
	return &Artifact{
		Path:        result.Path,
		URL:         url,
		Checksum:    sum,
		Size:        result.Size,
		GeneratedAt: at,
	}, nil
}

// Discard removes a stored artifact whose completion could not be persisted
func (s *Store) Discard(ctx context.Context, path string) error {
	if err := s.backend.Delete(ctx, path); err != nil {
		return &StorageError{Op: "delete", Path: path, Err: err}
	}
	return nil
}

// URL returns a fresh retrievable URL for a stored artifact
func (s *Store) URL(ctx context.Context, path string) (string, error) {
	url, err := s.backend.GetURL(ctx, path, s.urlTTL)
	if err != nil {
		return "", &StorageError{Op: "url", Path: path, Err: err}
	}
	return url, nil
}

// Verify downloads a stored artifact and checks it against the recorded checksum
func (s *Store) Verify(ctx context.Context, path, expected string) (bool, error) {
	rc, err := s.backend.Download(ctx, path)
	if err != nil {
		return false, &StorageError{Op: "download", Path: path, Err: err}
	}
	defer rc.Close()
	return checksum.VerifySHA256(rc, expected)
}
