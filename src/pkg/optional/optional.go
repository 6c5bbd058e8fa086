package optional

import "github.com/Blackdeer1524/RelDB/src/pkg/assert"

type tag int

const (
	noneTag tag = iota
	someTag
)

type Optional[T any] struct {
	tag   tag
	value T
}

func Some[T any](value T) Optional[T] {
	return Optional[T]{tag: someTag, value: value}
}

func None[T any]() Optional[T] {
	return Optional[T]{tag: noneTag}
}

func (opt Optional[T]) IsSome() bool {
	return opt.tag == someTag
}

func (opt Optional[T]) IsNone() bool {
	return opt.tag == noneTag
}

func (opt Optional[T]) Unwrap() T {
	assert.Assert(opt.tag == someTag, "unwrap of an empty optional")
	return opt.value
}

func (opt Optional[T]) Expect(msg string) T {
	assert.Assert(opt.tag == someTag, msg)
	return opt.value
}

// UnwrapOr returns the contained value or the provided default.
func (opt Optional[T]) UnwrapOr(def T) T {
	if opt.tag == someTag {
		return opt.value
	}
	return def
}
