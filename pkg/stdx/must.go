// Package stdx holds tiny stdlib-shaped helpers.
package stdx

// Must0 panics if the provided error is not nil.
func Must0(err error) {
	if err != nil {
		panic(err)
	}
}

// Must1 returns v, panicking if err is not nil. Useful at startup where a
// construction error is a programming mistake rather than a runtime
// condition.
func Must1[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
