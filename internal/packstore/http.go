// ABOUTME: HTTP-backed implementation of the package store contract
// ABOUTME: Talks to the external package service's REST surface

package packstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPStore queries an external package service over HTTP.
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStore creates a package store client for the given base URL.
func NewHTTPStore(baseURL string) *HTTPStore {
	return &HTTPStore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type packageVersionResponse struct {
	PackageID   string `json:"package_id"`
	Version     string `json:"version"`
	DownloadURL string `json:"download_url"`
}

func (s *HTTPStore) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("querying package service: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding package service response: %w", err)
		}
		return nil
	case http.StatusNotFound:
		return ErrPackageNotFound
	default:
		return fmt.Errorf("package service returned status %d", resp.StatusCode)
	}
}

// Exists reports whether the given package version exists.
func (s *HTTPStore) Exists(ctx context.Context, packageID, version string) (bool, error) {
	path := "/api/packages/" + url.PathEscape(packageID)
	if version != "" {
		path += "/versions/" + url.PathEscape(version)
	}

	err := s.get(ctx, path, nil)
	if err == ErrPackageNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DownloadLocation returns the URL for an agent to fetch the package version.
func (s *HTTPStore) DownloadLocation(ctx context.Context, packageID, version string) (string, error) {
	var pv packageVersionResponse
	path := "/api/packages/" + url.PathEscape(packageID) + "/versions/" + url.PathEscape(version)
	if err := s.get(ctx, path, &pv); err != nil {
		return "", err
	}
	return pv.DownloadURL, nil
}

// LatestVersion returns the newest version of a package.
func (s *HTTPStore) LatestVersion(ctx context.Context, packageID string) (string, error) {
	var pv packageVersionResponse
	path := "/api/packages/" + url.PathEscape(packageID) + "/versions/latest"
	if err := s.get(ctx, path, &pv); err != nil {
		return "", err
	}
	return pv.Version, nil
}
