package state

// Optional distinguishes "leave this field alone" from "set this field
// to its zero value" in a Patch.
type Optional[T any] struct {
	Set   bool
	Value T
}

// Some returns a set Optional wrapping v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Set: true, Value: v}
}
