// Package gateway serves published audio to listeners holding a stream
// grant. Responses are never cacheable, the content type comes from the
// bytes rather than the file name, and preview grants see a truncated body.
package gateway
