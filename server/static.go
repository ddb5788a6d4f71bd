package server

import (
	"embed"
	"io/fs"
	"log/slog"
	"net/http"
)

//go:embed static
var staticFiles embed.FS

// staticHandler serves the bundled front end, or dir when set.
func staticHandler(dir string) http.Handler {
	if dir != "" {
		slog.Info("serving front end from disk", slog.String("dir", dir), slog.String("component", "http"))
		return http.FileServer(http.Dir(dir))
	}
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		// The embedded tree is fixed at build time.
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}
