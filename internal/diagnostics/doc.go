// Package diagnostics provides crash dump generation and pre-execution
// health checks for the pipeline.
//
// The package implements two main components:
//
//   - CrashDumpWriter: Captures and persists diagnostic information when a
//     panic or cleanup failure occurs, enabling post-mortem debugging of
//     runs whose process tree could not be torn down.
//
//   - Preflight: Checks memory headroom, disk space and state directory
//     writability before the queue processor starts, so a doomed run fails
//     fast instead of mid-build.
package diagnostics
