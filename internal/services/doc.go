// Package services implements the business logic layer of keygate. It sits
// between the HTTP handlers and the license and lookup packages, so the
// handlers only decode requests and render results.
//
// # Architecture
//
// Services follow these principles:
//
//	1. Interface-driven design for testability
//	2. Context propagation for cancellation and tracing
//	3. Dependency injection through a Deps struct
//	4. Domain sentinels from internal/license, wrapped with %w
//
// # Available Services
//
//	- KeyService: key issuance, activation, metered scans and operator views
//	- HealthService: component health for /api/health
//
// # Metered scans
//
// ScanSubject runs the identity lookup inside license.Guard, which holds a
// per-key lock, checks quota, runs the lookup and commits one unit of usage
// only when the lookup succeeded:
//
//	result, err := keys.ScanSubject(ctx, subjectID, key)
//	switch {
//	case errors.Is(err, license.ErrQuotaExhausted):
//	    // usage unchanged, key is spent
//	case errors.Is(err, license.ErrLookupFailed):
//	    // usage unchanged, lookup failed
//	}
//
// # Events
//
// Issuance, activation, scans and quota exhaustion are published through
// EventPublisher. The websocket hub implements it; Publish never blocks the
// request path.
//
// # Testing
//
// Services are tested against a real license.Store over an in-memory
// persister, with testify mocks for the gateway, the publisher and the mirror:
//
//	gw := new(mockGateway)
//	gw.On("Lookup", mock.Anything, "42").Return(&lookup.Subject{RawID: "42"}, nil)
package services
