// Package access issues and verifies stateless, signed stream grants and
// the session tokens that gate the account APIs.
//
// A stream grant is an HMAC-SHA256 over a fixed-order canonical string of
// every grant field. Nothing is stored server side; a grant ends only by
// expiring.
package access
