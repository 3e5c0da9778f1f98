package slice

// FilterType returns the elements of in that implement T, in order.
func FilterType[T any](in ...any) []T {
	lis := make([]T, 0, len(in))
	for _, u := range in {
		if t, ok := u.(T); ok {
			lis = append(lis, t)
		}
	}
	return lis
}
