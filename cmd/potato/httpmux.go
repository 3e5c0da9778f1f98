package main

import (
	"log"
	"net/http"

	"github.com/rs/cors"

	"github.com/sour-is/potato/pkg/slice"
)

type (
	httpRegistrar  interface{ RegisterHTTP(*http.ServeMux) }
	apiV1Registrar interface{ RegisterAPIv1(*http.ServeMux) }
)

// router serves registrars from the root and the versioned api under /api/v1/.
type router struct {
	root *http.ServeMux
	api  *http.ServeMux
}

func newRouter() *router {
	r := &router{
		root: http.NewServeMux(),
		api:  http.NewServeMux(),
	}
	r.root.Handle("/api/v1/", http.StripPrefix("/api/v1", r.api))

	return r
}

// Add mounts whichever of the registrar interfaces each service implements.
func (r *router) Add(services ...any) {
	for _, svc := range slice.FilterType[httpRegistrar](services...) {
		svc.RegisterHTTP(r.root)
	}
	for _, svc := range slice.FilterType[apiV1Registrar](services...) {
		log.Printf("register api %T", svc)
		svc.RegisterAPIv1(r.api)
	}
}

func (r *router) Handler() http.Handler {
	return cors.AllowAll().Handler(r.root)
}
