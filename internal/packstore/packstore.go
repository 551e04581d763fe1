// ABOUTME: Package store collaborator contract consumed by the execution core
// ABOUTME: The core only asks whether a package version exists and where to fetch it

// Package packstore defines the contract to the external automation-package
// service. Binary storage and versioning mechanics live outside the core;
// all the core needs is existence checks and download locations.
package packstore

import (
	"context"
	"errors"
)

// ErrPackageNotFound indicates the package or version does not exist.
var ErrPackageNotFound = errors.New("package not found")

// Store is the collaborator contract for automation packages.
type Store interface {
	// Exists reports whether the given package version exists.
	// An empty version asks about the package itself.
	Exists(ctx context.Context, packageID, version string) (bool, error)

	// DownloadLocation returns the URL an agent fetches the package from.
	// Fails with ErrPackageNotFound for unknown package versions.
	DownloadLocation(ctx context.Context, packageID, version string) (string, error)

	// LatestVersion returns the newest version of a package.
	// Fails with ErrPackageNotFound for unknown packages.
	LatestVersion(ctx context.Context, packageID string) (string, error)
}
