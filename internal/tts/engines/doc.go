// Package engines contains the two synthesis adapters: a remote engine
// that accepts markup natively over HTTPS, and Piper, a local parametric
// engine run as a subprocess. Both write raw 16-bit PCM to a temporary
// file and never touch the cache tree.
package engines
