package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matryer/is"
)

type mockHTTP struct {
	onServeHTTP func()
}

func (m *mockHTTP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.onServeHTTP()
}
func (m *mockHTTP) RegisterAPIv1(mux *http.ServeMux) {
	mux.Handle("/ping", m)
}

type mockRoot struct {
	onServeHTTP func()
}

func (m *mockRoot) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.onServeHTTP()
}
func (m *mockRoot) RegisterHTTP(mux *http.ServeMux) {
	mux.Handle("/", m)
}

func TestRouter(t *testing.T) {
	is := is.New(t)

	api, root := false, false

	r := newRouter()
	r.Add(
		&mockHTTP{func() { api = true }},
		&mockRoot{func() { root = true }},
		"not a service",
	)
	h := r.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
	is.True(api)
	is.True(!root)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/index", nil))
	is.True(root)
}
