// Package httputil provides shared HTTP response/request utilities for handlers.
//
// Handlers write JSON bodies and error envelopes through these helpers so
// every endpoint of the uploader API answers with the same shapes.
package httputil
