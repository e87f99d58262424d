package middleware

import "net/http"

// Wrap composes a fixed stack of middleware around a handler, outermost
// first: Wrap(h, A, B, C) runs A, then B, then C, then h.
func Wrap(h http.Handler, stack ...func(http.Handler) http.Handler) http.Handler {
	for i := len(stack) - 1; i >= 0; i-- {
		h = stack[i](h)
	}
	return h
}
