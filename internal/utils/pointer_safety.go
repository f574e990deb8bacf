package utils

// Value dereferences v, returning the zero value for nil.
func Value[T any](v *T) T {
	if v == nil {
		return *new(T)
	}
	return *v
}

// Ptr returns a pointer to a copy of v.
func Ptr[T any](v T) *T {
	return &v
}

// PtrOrNil returns nil for the zero value, otherwise a pointer to v.
// Used for nullable columns such as refresh_token.
func PtrOrNil[T comparable](v T) *T {
	var zero T
	if v == zero {
		return nil
	}
	return &v
}

// FirstNonEmpty returns the first non-empty string.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
