package fn

// Map applies the function f to each element of the slice s and returns the
// results in a new slice.
func Map[I, O any, S ~[]I](s S, f func(I) O) []O {
	output := make([]O, len(s))
	for i, x := range s {
		output[i] = f(x)
	}

	return output
}
