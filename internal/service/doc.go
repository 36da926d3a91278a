// Package service keeps a registry of benchmark runs. Each run connects its
// own set of sessions, drives probes through a runner.Driver and keeps its
// report available after it finishes, keyed by a UUID handle.
package service
