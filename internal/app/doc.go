// Package app wires the keygate service together and manages its lifecycle.
//
// # Initialization Flow
//
//	1. Ensure the data and logs directories exist
//	2. Initialize OpenTelemetry (Prometheus exporter, optional stdout traces)
//	3. Open the key store (JSON file or SQLite) and load persisted keys
//	4. Build the catalog, quota guard, lookup gateway and flag classifier
//	5. Create the event hub, the optional Sheets mirror and the services
//	6. Set up the chi router with middleware, API routes and static files
//
// # Usage
//
//	application, err := app.NewApplication(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return application.Run(ctx)
//
// Run blocks until ctx is cancelled or SIGINT/SIGTERM arrives and then shuts
// the server down within Server.ShutdownTimeout. SIGHUP reloads the flag sets
// file without a restart.
package app
