package app

import "net/http"

// LoginRedirectRequired reports whether a guard failure with the given status
// and reason should send the browser to the login page.
func LoginRedirectRequired(status int, reason string) bool {
	switch status {
	case http.StatusUnauthorized:
		return reason == "unauthorized"
	case http.StatusBadRequest:
		return reason == "invalid schema" || reason == "invalid header" || reason == "introspection error"
	case http.StatusForbidden:
		return reason == "user is inactive"
	case http.StatusNotFound:
		return reason == "user was not found"
	case http.StatusInternalServerError:
		return reason == "missing config"
	}
	return false
}

// RedirectOnIntrospectionError rewrites recoverable guard failures into a
// redirect to LoginPath. Other responses pass through untouched.
func RedirectOnIntrospectionError(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&loginRedirectWriter{ResponseWriter: w}, r)
	})
}

type loginRedirectWriter struct {
	http.ResponseWriter
	wroteHeader bool
	redirected  bool
}

func (w *loginRedirectWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true

	h := w.Header()
	if reason := h.Get(IntrospectionErrorHeader); reason != "" && LoginRedirectRequired(status, reason) {
		w.redirected = true
		h.Del(IntrospectionErrorHeader)
		h.Del("Content-Type")
		h.Del("Content-Length")
		h.Set("Location", LoginPath)
		w.ResponseWriter.WriteHeader(http.StatusSeeOther)
		return
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *loginRedirectWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.redirected {
		return len(b), nil
	}
	return w.ResponseWriter.Write(b)
}

func (w *loginRedirectWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
