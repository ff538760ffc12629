package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"

	// Playlists rotate every segment interval; segments are immutable
	// once written.
	playlistCacheControl = "no-cache"
	segmentCacheControl  = "public, max-age=60"
)

// HLSHandler serves composed playlists and segments from the output
// root. Only .m3u8 and .ts files are reachable; the tap SDP files
// living next to them are not.
func HLSHandler(root string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomID")
		file := chi.URLParam(r, "file")

		if !safePathPart(roomID) || !safePathPart(file) {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		var contentType, cacheControl string
		switch filepath.Ext(file) {
		case ".m3u8":
			contentType = playlistContentType
			cacheControl = playlistCacheControl
		case ".ts":
			contentType = segmentContentType
			cacheControl = segmentCacheControl
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}

		path := filepath.Join(root, roomID, file)
		stat, err := os.Stat(path)
		if err != nil || stat.IsDir() {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", cacheControl)
		http.ServeFile(w, r, path)
	}
}

// safePathPart rejects URL parameters that could escape the output root.
func safePathPart(part string) bool {
	if part == "" || part == "." || part == ".." {
		return false
	}
	return !strings.ContainsAny(part, "/\\")
}
