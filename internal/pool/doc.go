// Package pool provides the bounded worker pool used to establish protocol
// sessions concurrently without unbounded goroutine fan-out.
package pool
