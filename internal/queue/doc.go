// Package queue runs blocking synthesis work on bounded worker pools.
// Work is ordered by priority, then by arrival, so interactive requests
// overtake bulk preview jobs waiting for the same engine.
package queue
