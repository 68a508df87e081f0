package action

// Field 는 Patch 의 한 컬럼이다. 세 가지 상태 중 하나를 가진다.
//   - unset: 이 컬럼은 건드리지 않는다
//   - value: 값으로 덮어쓴다
//   - null : NULL 로 지운다
//
// zero value 는 unset 이다.
type Field[T any] struct {
	set  bool
	null bool
	val  T
}

// Value returns a Field set to v.
func Value[T any](v T) Field[T] {
	return Field[T]{set: true, val: v}
}

// Null returns a Field that clears the column.
func Null[T any]() Field[T] {
	return Field[T]{set: true, null: true}
}

func (f Field[T]) IsSet() bool  { return f.set }
func (f Field[T]) IsNull() bool { return f.set && f.null }

// Get 은 값이 들어 있을 때만 ok=true 를 돌려준다. (unset, null 은 false)
func (f Field[T]) Get() (T, bool) {
	if !f.set || f.null {
		var zero T
		return zero, false
	}
	return f.val, true
}

// column 은 store update 에 넣을 값이다. null 이면 nil.
func (f Field[T]) column() any {
	if f.null {
		return nil
	}
	return f.val
}
