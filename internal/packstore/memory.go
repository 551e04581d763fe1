// ABOUTME: In-memory package store used in tests and single-node dev mode
// ABOUTME: Versions are kept in insertion order; the last added is latest

package packstore

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-memory Store implementation.
type Memory struct {
	mu       sync.RWMutex
	versions map[string][]string // package id -> versions, oldest first
}

// NewMemory creates an empty in-memory package store.
func NewMemory() *Memory {
	return &Memory{versions: make(map[string][]string)}
}

// Add registers a package version. The most recently added version of a
// package is its latest.
func (m *Memory) Add(packageID, version string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[packageID] = append(m.versions[packageID], version)
}

// Exists reports whether the given package version exists.
func (m *Memory) Exists(ctx context.Context, packageID, version string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions, ok := m.versions[packageID]
	if !ok {
		return false, nil
	}
	if version == "" {
		return true, nil
	}
	for _, v := range versions {
		if v == version {
			return true, nil
		}
	}
	return false, nil
}

// DownloadLocation returns a synthetic URL for the package version.
func (m *Memory) DownloadLocation(ctx context.Context, packageID, version string) (string, error) {
	ok, err := m.Exists(ctx, packageID, version)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrPackageNotFound
	}
	return fmt.Sprintf("memory://packages/%s/%s", packageID, version), nil
}

// LatestVersion returns the most recently added version of a package.
func (m *Memory) LatestVersion(ctx context.Context, packageID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions, ok := m.versions[packageID]
	if !ok || len(versions) == 0 {
		return "", ErrPackageNotFound
	}
	return versions[len(versions)-1], nil
}
