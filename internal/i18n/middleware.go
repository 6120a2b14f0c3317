package i18n

import "net/http"

// Middleware injects a localizer into every request context. The "lang"
// query parameter wins over the Accept-Language header; lang is the
// fallback.
func Middleware(lang string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			prefs := []string{r.URL.Query().Get("lang"), r.Header.Get("Accept-Language"), lang}
			ctx := WithLocalizer(r.Context(), NewLocalizer(prefs...))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
