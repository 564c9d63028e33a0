// Package license implements the key lifecycle for the scan service: issuing
// self-describing license keys, resolving their entitlement quota, persisting
// usage state and gating metered actions behind that quota.
//
// # Architecture Overview
//
// The package consists of several components:
//
//	- Codec: generates and parses ECL-XXX-XXXX-<class> identifiers
//	- Catalog: maps an entitlement class to its usage limit
//	- Store: lock-guarded key collection persisted on every mutation
//	- Guard: the check-act-commit protocol around a metered action
//	- Persister: whole-collection load/save (JSON file or SQLite)
//
// # Key Format
//
//	key, err := license.Generate("booster")
//	// ECL-K7P-QX4M-booster
//
// The two random groups use a 32 symbol alphabet without 0, O, 1 or I, so a
// key read aloud or copied by hand is hard to get wrong. The entitlement class
// is appended in clear text so a key can be audited without a lookup.
//
// # Quota Protocol
//
// A metered action runs as:
//
//	1. Resolve the record (ErrInvalidKey when unknown)
//	2. Reject when remaining <= 0 (ErrQuotaExhausted)
//	3. Run the action; on failure return it and leave usage untouched
//	4. On success increment usage and persist
//
// The whole sequence holds a per-key lock so two requests cannot both spend
// the last unit of the same key. The store mutex itself is only held for the
// lookup and the commit, never across the external call.
//
// # Persistence
//
// Every mutation rewrites the whole collection. A mutation becomes visible in
// memory only after the persister reported success.
package license
