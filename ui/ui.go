// Package ui serves the root of the dashboard. There is no bundled frontend;
// the root points browsers at the generated API docs.
package ui

import (
	"net/http"
)

// Handler redirects the root to /docs and 404s everything else.
func Handler() (http.Handler, error) {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, "/docs", http.StatusFound)
	}), nil
}
