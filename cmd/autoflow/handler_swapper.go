package main

import (
	"net/http"
	"sync/atomic"
)

// handlerSwapper is an http.Handler whose target can be replaced while
// serving. serve uses it to turn the operator API on or off on reload.
type handlerSwapper struct {
	current atomic.Pointer[swapTarget]
}

type swapTarget struct {
	http.Handler
}

func newHandlerSwapper(h http.Handler) *handlerSwapper {
	s := &handlerSwapper{}
	s.Swap(h)
	return s
}

func (s *handlerSwapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.current.Load().ServeHTTP(w, r)
}

// Swap replaces the underlying handler. Requests already being served
// finish on the old one.
func (s *handlerSwapper) Swap(h http.Handler) {
	s.current.Store(&swapTarget{Handler: h})
}
