// Package cache publishes synthesized audio into a content-addressed
// directory tree. A request maps to a stable key and a human-readable
// relative path; the file at that path is written once, by rename, and
// never modified afterwards.
package cache
