package websocket

import (
	"net/http"
	"sort"
	"strings"
)

type mount struct {
	prefix string
	files  http.Handler
}

// staticHandler serves the public paths. It is the fallthrough of request
// dispatch, so anything it cannot serve ends in a plain 404.
type staticHandler struct {
	mounts []mount
}

func newStaticHandler(paths []PublicPath) *staticHandler {
	h := &staticHandler{}
	for _, p := range paths {
		if p.Dir == "" {
			continue
		}
		prefix := "/" + strings.Trim(p.Prefix, "/")
		files := http.FileServer(http.Dir(p.Dir))
		if prefix != "/" {
			files = http.StripPrefix(prefix, files)
		}
		h.mounts = append(h.mounts, mount{prefix: prefix, files: files})
	}
	// Longest prefix wins.
	sort.SliceStable(h.mounts, func(i, j int) bool {
		return len(h.mounts[i].prefix) > len(h.mounts[j].prefix)
	})
	return h
}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.NotFound(w, r)
		return
	}
	for _, m := range h.mounts {
		if matchPrefix(r.URL.Path, m.prefix) {
			m.files.ServeHTTP(w, r)
			return
		}
	}
	http.NotFound(w, r)
}

func matchPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
