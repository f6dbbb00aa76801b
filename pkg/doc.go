// Package pkg provides shared utilities for the softpci driver.
//
// This package contains common functionality used by the driver core, the
// bus HALs, and the consumer front ends, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for the probe, remove, and transfer paths
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component attribute:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentDriver, "device bound", "address", "0000:00:04.0")
//
// # Errors
//
// Probe failures are reported as one of the acquisition sentinels, wrapped
// around the platform cause:
//
//	if errors.Is(err, pkg.ErrRegionClaim) {
//	    // region already owned by someone else
//	}
package pkg
