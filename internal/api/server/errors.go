package server

import (
	"net/http"
	"regexp"
	"slices"
	"strings"

	"github.com/gorilla/mux"

	"github.com/saas-invoice/saas-invoice/internal/platform/response"
)

// unmatched answers requests no route accepted. A path that is served under
// other methods gets 405 with an Allow header; anything else is 404.
func unmatched(router *mux.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if allowed := allowedMethods(router, r.URL.Path); len(allowed) > 0 {
			w.Header().Set("Allow", strings.Join(allowed, ", "))
			methodNotAllowed(w, r)
			return
		}
		notFound(w, r)
	}
}

// allowedMethods lists the methods registered for routes whose path matches
func allowedMethods(router *mux.Router, path string) []string {
	var allowed []string
	_ = router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		methods, err := route.GetMethods()
		if err != nil {
			return nil
		}
		pattern, err := route.GetPathRegexp()
		if err != nil {
			return nil
		}
		if ok, _ := regexp.MatchString(pattern, path); !ok {
			return nil
		}
		for _, m := range methods {
			if !slices.Contains(allowed, m) {
				allowed = append(allowed, m)
			}
		}
		return nil
	})
	return allowed
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	response.Error(w, response.ErrNotFound.WithMessage("Route not found"))
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	response.Error(w, &response.APIError{
		StatusCode: http.StatusMethodNotAllowed,
		Code:       "METHOD_NOT_ALLOWED",
		Message:    "Method not allowed",
	})
}
