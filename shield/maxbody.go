package shield

import (
	"mime"
	"net/http"
)

// MaxFormBody limits the body of form and JSON requests to maxBytes. Other
// content types pass through untouched.
func MaxFormBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
			switch mt {
			case "application/x-www-form-urlencoded", "multipart/form-data", "application/json":
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
