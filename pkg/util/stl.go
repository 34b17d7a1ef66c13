package util

func Back[T any](data []T) T {
	l := len(data)
	if l == 0 {
		panic("empty slice")
	}
	return data[l-1]
}

func Empty[T any](data []T) bool {
	return len(data) == 0
}

func FindIf[T any](data []T, pred func(t T) bool) int {
	for i, ele := range data {
		if pred(ele) {
			return i
		}
	}
	return -1
}

// PopFront removes the first element. The backing array is not shrunk.
func PopFront[T any](a []T) (T, []T) {
	var zero T
	if len(a) == 0 {
		return zero, a
	}
	head := a[0]
	a[0] = zero
	return head, a[1:]
}
