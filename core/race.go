//go:build race

package core

// raceEnabled is true when the race detector is active. Stress tests use it to
// shrink their workloads.
const raceEnabled = true
