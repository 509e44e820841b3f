package directory

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/timmy/stepflow/internal/source"
)

// Adapter lists the regular files under a directory as job inputs.
type Adapter struct {
	root       string
	prefix     string
	extensions map[string]bool
	items      []source.Input // Cached listing
	loaded     bool
}

// NewAdapter creates a directory adapter.
// Parameters:
//   - root: directory to walk.
//   - prefix: when set, refs are prefix + the slash separated relative path
//     (for example "s3://bucket/staged/"); otherwise absolute file paths.
//   - extensions: optional allow list such as ".nc"; empty accepts every file.
// Returns:
//   - *Adapter: initialized adapter.
func NewAdapter(root, prefix string, extensions []string) *Adapter {
	exts := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = true
	}
	return &Adapter{root: root, prefix: prefix, extensions: exts}
}

// GetSourceID returns the unique identifier for this source
func (a *Adapter) GetSourceID() string {
	return "directory:" + a.root
}

// FetchBatch fetches a batch of inputs in path order.
func (a *Adapter) FetchBatch(ctx context.Context, cursor string, limit int) ([]source.Input, string, error) {
	if !a.loaded {
		if err := a.loadItems(ctx); err != nil {
			return nil, "", fmt.Errorf("failed to list %s: %w", a.root, err)
		}
		a.loaded = true
	}
	return source.Page(a.items, cursor, limit)
}

func (a *Adapter) loadItems(ctx context.Context) error {
	root, err := filepath.Abs(a.root)
	if err != nil {
		return err
	}

	a.items = []source.Input{}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			// hidden directories such as .git
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if len(a.extensions) > 0 && !a.extensions[strings.ToLower(filepath.Ext(d.Name()))] {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		ref := p
		if a.prefix != "" {
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			ref = strings.TrimSuffix(a.prefix, "/") + "/" + path.Clean(filepath.ToSlash(rel))
		}
		a.items = append(a.items, source.Input{Ref: ref, Size: info.Size()})
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(a.items, func(i, j int) bool {
		return a.items[i].Ref < a.items[j].Ref
	})
	return nil
}
