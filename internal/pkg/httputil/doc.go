// Package httputil provides shared HTTP response/request utilities for the
// broadcast API handlers.
//
// Handlers use these helpers instead of writing raw http.ResponseWriter
// calls, so every endpoint shares the same JSON formatting, error envelope,
// and server-side error logging.
package httputil
