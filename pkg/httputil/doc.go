// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteSuccess(w, role)
//	httputil.WriteCreated(w, invitation)
//	httputil.WriteBadRequest(w, "invalid action")
//	httputil.WriteForbidden(w)
//
// Error bodies always have the shape {"error": "...", "code": "..."}. WriteForbidden and
// WriteInternalError never include details.
//
// # Request Parsing
//
//	var req rbac.AssignRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	limit, offset, err := httputil.ParsePage(r, 50)
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// # Related Packages
//
//   - pkg/middleware: authentication and rate limiting
package httputil
