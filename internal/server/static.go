package server

import (
	"net/http"
	"os"
	"path"
	"strings"
)

// staticHandler serves files from root. Directory listings are blocked: a
// directory request answers with its index.html or 403, never a listing.
func staticHandler(root string) http.HandlerFunc {
	fs := http.FileServer(noListingFS{http.Dir(root)})
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fs.ServeHTTP(w, r)
	}
}

type noListingFS struct {
	fs http.FileSystem
}

func (n noListingFS) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.IsDir() {
		index := path.Join(strings.TrimSuffix(name, "/"), "index.html")
		if idx, err := n.fs.Open(index); err == nil {
			idx.Close()
			return f, nil // FileServer will serve the index itself
		}
		f.Close()
		return nil, os.ErrPermission
	}
	return f, nil
}
