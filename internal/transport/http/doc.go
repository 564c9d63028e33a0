// Package http implements the HTTP handlers for the keygate service.
// Handlers stay thin: they decode and validate the request, call the key
// or health service, and render the result.
//
// # Routes
//
//	POST /api/generate-key        issue a key for an entitlement class
//	POST /api/activate-key        report a key's class and remaining quota
//	POST /api/scan                look up a subject, charging one unit
//	GET  /api/health              component health
//	GET  /api/health/live         liveness
//	GET  /api/version             build and runtime information
//	GET  /api/admin/keys          inventory with masked keys
//	GET  /api/admin/keys/export   CSV or XLSX download
//	GET  /api/admin/keys/{key}    single record
//	POST /api/admin/flags/reload  re-read the flag sets file
//
// # Errors
//
// Every failure goes through apierrors.ErrorHandler, which renders an
// RFC 7807 problem document that also carries success=false, a code and an
// error message:
//
//	{
//	    "type": "/errors/key/quota-exhausted",
//	    "title": "Scan Limit Reached",
//	    "status": 403,
//	    "success": false,
//	    "code": "QUOTA_EXHAUSTED",
//	    "error": "Scan limit reached for this key",
//	    "limit_reached": true,
//	    "remaining": 0
//	}
package http
