package ptr

// To returns a pointer to v. handy for taking the address of literals.
func To[T any](v T) *T {
	return &v
}
