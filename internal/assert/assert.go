package assert

import "fmt"

// That panics with the formatted message if the condition does not hold.
// Used for programmer-error preconditions, not for recoverable failures.
func That(condition bool, format string, args ...any) {
	if !condition {
		panic(fmt.Sprintf(format, args...))
	}
}

// PowerOfTwo panics if n is not a positive power of two.
func PowerOfTwo(n uintptr) {
	if n == 0 || n&(n-1) != 0 {
		panic(fmt.Sprintf("expected a power of two, got %d", n))
	}
}
