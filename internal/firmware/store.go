// Package firmware implements the firmware binary store (C3): upload
// staging and content hashing, directory-traversal-guarded streaming, and
// byte-level diffing between two versions (§4.2).
package firmware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fleetota/control-plane/internal/core"
)

// versionPattern matches the normative version format (§6): vX.Y.Z[-suffix],
// with or without a leading "v".
var versionPattern = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[A-Za-z0-9]+)?$`)

// NormalizeVersion validates raw against versionPattern and returns it with
// a leading "v" (§6's "normalized with leading v").
func NormalizeVersion(raw string) (string, error) {
	if !versionPattern.MatchString(raw) {
		return "", core.ErrInvalidVersion
	}
	if strings.HasPrefix(raw, "v") {
		return raw, nil
	}
	return "v" + raw, nil
}

// Store accepts firmware uploads, persists their metadata through the
// repository, and serves byte streams and diffs off the local filesystem.
type Store struct {
	root           string
	repo           core.Repository
	maxSizeBytes   int64
	allowedExt     map[string]bool
	maxDiffRegions int
	logger         *slog.Logger
	metrics        *Metrics
}

// Config configures a Store from internal/config.FirmwareConfig.
type Config struct {
	StoragePath       string
	MaxSizeBytes      int64
	AllowedExtensions []string
	MaxDiffRegions    int
}

// NewStore creates a Store rooted at cfg.StoragePath, creating the directory
// if it doesn't already exist.
func NewStore(cfg Config, repo core.Repository, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create firmware storage path: %w", err)
	}

	root, err := filepath.Abs(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve firmware storage path: %w", err)
	}

	allowed := make(map[string]bool, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[strings.ToLower(ext)] = true
	}

	maxDiffRegions := cfg.MaxDiffRegions
	if maxDiffRegions <= 0 {
		maxDiffRegions = 100
	}

	return &Store{
		root:           root,
		repo:           repo,
		maxSizeBytes:   cfg.MaxSizeBytes,
		allowedExt:     allowed,
		maxDiffRegions: maxDiffRegions,
		logger:         logger.With("component", "firmware_store"),
		metrics:        NewMetrics("fleetota"),
	}, nil
}

// ErrExtensionNotAllowed is returned when an upload's filename extension is
// not in the configured allow-list.
var ErrExtensionNotAllowed = errors.New("firmware extension not allowed")

// ErrTooLarge is returned when an upload exceeds the configured size cap.
var ErrTooLarge = errors.New("firmware upload exceeds maximum size")

// Upload stages stream to a temporary file, validates size and extension,
// hashes the content, validates and checks version, then moves the file to
// its final path and records it (§4.2).
func (s *Store) Upload(ctx context.Context, stream io.Reader, rawVersion, originalFilename, description string) (*core.Firmware, error) {
	version, err := NormalizeVersion(rawVersion)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(originalFilename))
	if !s.allowedExt[ext] {
		return nil, ErrExtensionNotAllowed
	}

	if existing, err := s.repo.GetFirmwareByVersion(ctx, version); err == nil && existing != nil {
		return nil, core.ErrFirmwareExists
	} else if err != nil && !errors.Is(err, core.ErrFirmwareNotFound) {
		return nil, err
	}

	tmp, err := os.CreateTemp(s.root, "upload-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to stage upload: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	hasher := sha256.New()
	limited := io.LimitReader(stream, s.maxSizeBytes+1)
	written, err := io.Copy(io.MultiWriter(tmp, hasher), limited)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stage upload: %w", err)
	}
	if written > s.maxSizeBytes {
		return nil, ErrTooLarge
	}

	filename := fmt.Sprintf("default_%s.ino.bin", version)
	finalPath := filepath.Join(s.root, filename)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, fmt.Errorf("failed to place firmware file: %w", err)
	}

	fw := &core.Firmware{
		Version:      version,
		Filename:     filename,
		SizeBytes:    written,
		ContentHash:  hex.EncodeToString(hasher.Sum(nil)),
		ReleaseNotes: description,
	}
	if err := s.repo.CreateFirmware(ctx, fw); err != nil {
		os.Remove(finalPath)
		return nil, err
	}

	s.logger.Info("firmware uploaded", "version", version, "size_bytes", written, "hash", fw.ContentHash)
	s.metrics.UploadsTotal.Inc()
	s.metrics.StorageBytes.Add(float64(written))
	return fw, nil
}

// Get returns the firmware record for version.
func (s *Store) Get(ctx context.Context, version string) (*core.Firmware, error) {
	return s.repo.GetFirmwareByVersion(ctx, version)
}

// GetByID returns the firmware record for id.
func (s *Store) GetByID(ctx context.Context, id string) (*core.Firmware, error) {
	return s.repo.GetFirmwareByID(ctx, id)
}

// List returns every firmware record.
func (s *Store) List(ctx context.Context) ([]*core.Firmware, error) {
	return s.repo.ListFirmware(ctx)
}

// ErrPathEscape is returned when a firmware path resolves outside the store
// root — the directory-traversal guard required by property 11.
var ErrPathEscape = errors.New("resolved firmware path escapes storage root")

// Stream resolves version to its on-disk file and opens it for reading,
// rejecting any path that would escape the store root (§4.2, property 11).
// Callers must close the returned ReadCloser.
func (s *Store) Stream(ctx context.Context, version string) (int64, string, io.ReadCloser, error) {
	fw, err := s.repo.GetFirmwareByVersion(ctx, version)
	if err != nil {
		return 0, "", nil, err
	}

	path, err := s.resolve(fw.Filename)
	if err != nil {
		return 0, "", nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, "", nil, fmt.Errorf("failed to open firmware file: %w", err)
	}

	if err := s.repo.IncrementDownloadCount(ctx, version); err != nil {
		s.logger.Warn("failed to increment download count", "version", version, "error", err)
	}
	s.metrics.DownloadsTotal.Inc()

	return fw.SizeBytes, fw.ContentHash, f, nil
}

// StreamByFilename resolves an on-disk filename directly, for the
// device-facing GET /firmware/:filename route (§6), guarding against
// directory traversal exactly as Stream does.
func (s *Store) StreamByFilename(filename string) (io.ReadCloser, error) {
	path, err := s.resolve(filename)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open firmware file: %w", err)
	}
	return f, nil
}

func (s *Store) resolve(filename string) (string, error) {
	candidate := filepath.Join(s.root, filepath.Base(filename))
	resolved, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("failed to resolve firmware path: %w", err)
	}
	if !strings.HasPrefix(resolved, s.root+string(os.PathSeparator)) && resolved != s.root {
		return "", ErrPathEscape
	}
	return resolved, nil
}

// Delete removes the repository record then the on-disk file (§4.2); record
// removal is retried once on failure per the spec's acceptable inverse order.
func (s *Store) Delete(ctx context.Context, version string) error {
	fw, err := s.repo.GetFirmwareByVersion(ctx, version)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteFirmware(ctx, version); err != nil {
		if retryErr := s.repo.DeleteFirmware(ctx, version); retryErr != nil && !errors.Is(retryErr, core.ErrFirmwareNotFound) {
			return retryErr
		}
	}

	path, resolveErr := s.resolve(fw.Filename)
	if resolveErr != nil {
		return resolveErr
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete firmware file: %w", err)
	}

	s.metrics.DeletesTotal.Inc()
	return nil
}

// DiffRegionKind discriminates a DiffRegion (§4.2).
type DiffRegionKind string

const (
	DiffRegionChanged DiffRegionKind = "changed"
	DiffRegionAdded   DiffRegionKind = "added"
	DiffRegionRemoved DiffRegionKind = "removed"
)

// DiffRegion is one contiguous run of differing bytes.
type DiffRegion struct {
	Kind   DiffRegionKind `json:"kind"`
	Offset int64          `json:"offset"`
	Length int64          `json:"length"`
}

// DiffResult is the output of Diff (§4.2).
type DiffResult struct {
	SizeDiff       int64        `json:"sizeDiff"`
	AddedBytes     int64        `json:"addedBytes"`
	RemovedBytes   int64        `json:"removedBytes"`
	ChangedRegions []DiffRegion `json:"changedRegions"`
	Truncated      bool         `json:"truncated"`
}

// Diff performs a byte-for-byte scan of versionA against versionB over
// their shared prefix, emitting contiguous "changed" regions, then a single
// trailing "added" or "removed" region covering whichever file has a longer
// tail (§4.2, property 13). The region list is capped at maxDiffRegions.
func (s *Store) Diff(ctx context.Context, versionA, versionB string) (*DiffResult, error) {
	_, _, readerA, err := s.Stream(ctx, versionA)
	if err != nil {
		return nil, err
	}
	defer readerA.Close()

	_, _, readerB, err := s.Stream(ctx, versionB)
	if err != nil {
		return nil, err
	}
	defer readerB.Close()

	bytesA, err := io.ReadAll(readerA)
	if err != nil {
		return nil, fmt.Errorf("failed to read firmware %s: %w", versionA, err)
	}
	bytesB, err := io.ReadAll(readerB)
	if err != nil {
		return nil, fmt.Errorf("failed to read firmware %s: %w", versionB, err)
	}

	result := &DiffResult{SizeDiff: int64(len(bytesB)) - int64(len(bytesA))}

	shorter := len(bytesA)
	if len(bytesB) < shorter {
		shorter = len(bytesB)
	}

	var runStart = -1
	flushRun := func(end int) {
		if runStart < 0 {
			return
		}
		if len(result.ChangedRegions) < s.maxDiffRegions {
			result.ChangedRegions = append(result.ChangedRegions, DiffRegion{
				Kind:   DiffRegionChanged,
				Offset: int64(runStart),
				Length: int64(end - runStart),
			})
		} else {
			result.Truncated = true
		}
		runStart = -1
	}

	for i := 0; i < shorter; i++ {
		if bytesA[i] != bytesB[i] {
			if runStart < 0 {
				runStart = i
			}
		} else {
			flushRun(i)
		}
	}
	flushRun(shorter)

	switch {
	case len(bytesB) > len(bytesA):
		tail := int64(len(bytesB) - len(bytesA))
		result.AddedBytes = tail
		result.ChangedRegions = append(result.ChangedRegions, DiffRegion{
			Kind: DiffRegionAdded, Offset: int64(len(bytesA)), Length: tail,
		})
	case len(bytesA) > len(bytesB):
		tail := int64(len(bytesA) - len(bytesB))
		result.RemovedBytes = tail
		result.ChangedRegions = append(result.ChangedRegions, DiffRegion{
			Kind: DiffRegionRemoved, Offset: int64(len(bytesB)), Length: tail,
		})
	}

	return result, nil
}
