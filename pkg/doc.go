// Package pkg provides shared utilities for the flashboot bootloader core.
//
// This package contains common functionality used by the flash sequencer,
// the USB transport engine and the bootloader loop, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for flash and transport failures
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(pkg.ParseLevel("debug"))
//	pkg.LogInfo(pkg.ComponentFlash, "erase done", "sector", 3)
//
// # Errors
//
// Public entry points that gate on an idle engine return sentinel values:
//
//	if errors.Is(err, pkg.ErrBusy) {
//	    // Retry on a later tick
//	}
package pkg
