package common

import "fmt"

func PanicIfErr(err error) {
	if err != nil {
		panic(err)
	}
}

// Assert panics with a formatted message when cond is false. It is used for invariants whose violation means
// a bug in the engine rather than a recoverable runtime condition.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}

// Contains tells whether arr contains x.
func Contains[T comparable](arr []T, x T) bool {
	for _, n := range arr {
		if x == n {
			return true
		}
	}
	return false
}
