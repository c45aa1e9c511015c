// Package app provides application initialization and lifecycle management
// for the license server. It wires configuration, logging, observability,
// storage, the license services, and the HTTP stack together at startup and
// handles graceful shutdown.
//
// # Initialization Flow
//
// The typical initialization sequence:
//
//	1. Load configuration from environment and files
//	2. Initialize logging and observability
//	3. Open the license store (Postgres, or in-memory without a DSN)
//	4. Initialize services with their dependencies
//	5. Set up HTTP handlers and middleware
//	6. Configure and start the HTTP server
//
// # Graceful Shutdown
//
// The package handles SIGINT and SIGTERM to ensure active requests are
// completed, the store is closed, and final telemetry is flushed. All
// initialization errors are returned to the caller; the app never calls
// os.Exit() directly.
package app
