package runner

import "fmt"

// MismatchedExtraError reports a side-table entry whose declared type tag
// does not match its actual type. Fatal at startup.
type MismatchedExtraError struct {
	Tag string // declared tag
	Got string // actual dynamic type
}

func (e *MismatchedExtraError) Error() string {
	return fmt.Sprintf("extra declared as %q holds a %s", e.Tag, e.Got)
}

// Extra retrieves a typed side-table value by tag. The second return is
// false when the tag is absent or the value is not a T.
func Extra[T any](h *Handle, tag string) (T, bool) {
	var zero T
	v, ok := h.extras[tag]
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}
