//go:build !race

package core

// raceEnabled is false when the race detector is not active.
const raceEnabled = false
