package api

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
)

// DirEntry is one visible entry of a directory listing.
type DirEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
}

// ListDirectory handles GET /api/fs/list?path=...: a server-side readdir for
// the working-directory picker. Hidden entries are not exposed.
func (h *Handlers) ListDirectory(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		RespondBadRequest(c, "path is required")
		return
	}
	path = filepath.Clean(path)
	if !filepath.IsAbs(path) {
		RespondBadRequest(c, "path must be absolute")
		return
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			RespondNotFound(c, "directory not found")
			return
		}
		RespondInternalError(c, "failed to read directory")
		return
	}

	var visible []DirEntry
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		visible = append(visible, DirEntry{
			Name:  entry.Name(),
			Path:  filepath.Join(path, entry.Name()),
			IsDir: entry.IsDir(),
		})
	}

	// Directories first, then lexical.
	sort.Slice(visible, func(i, j int) bool {
		if visible[i].IsDir != visible[j].IsDir {
			return visible[i].IsDir
		}
		return visible[i].Name < visible[j].Name
	})

	RespondList(c, visible)
}

// HomeDirectory handles GET /api/fs/home.
func (h *Handlers) HomeDirectory(c *gin.Context) {
	home, err := os.UserHomeDir()
	if err != nil {
		RespondInternalError(c, "failed to resolve home directory")
		return
	}
	RespondData(c, gin.H{"path": home})
}
