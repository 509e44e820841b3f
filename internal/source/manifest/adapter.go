package manifest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/timmy/stepflow/internal/source"
)

// Entry is one line of an inputs manifest (JSON Lines).
type Entry struct {
	URL  string `json:"url"`
	Size int64  `json:"size,omitempty"`
}

// Adapter reads job inputs from a JSONL manifest, keeping file order.
type Adapter struct {
	path   string
	items  []source.Input
	loaded bool
}

// NewAdapter creates a manifest adapter for the file at path.
func NewAdapter(path string) *Adapter {
	return &Adapter{path: path}
}

// GetSourceID returns the unique identifier for this source.
func (a *Adapter) GetSourceID() string {
	return "manifest:" + a.path
}

// FetchBatch fetches a batch of inputs from the manifest.
// Parameters:
//   - ctx: context for cancellation and deadlines (unused for local reads).
//   - cursor: pagination cursor as an index string.
//   - limit: maximum number of inputs to fetch.
// Returns:
//   - []source.Input: batch of inputs.
//   - string: next cursor or empty if no more inputs.
//   - error: non-nil if loading or parsing fails.
func (a *Adapter) FetchBatch(ctx context.Context, cursor string, limit int) ([]source.Input, string, error) {
	if !a.loaded {
		f, err := os.Open(a.path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open manifest: %w", err)
		}
		items, err := Parse(f)
		f.Close()
		if err != nil {
			return nil, "", err
		}
		a.items = items
		a.loaded = true
	}
	return source.Page(a.items, cursor, limit)
}

// Parse reads manifest lines from r. A line is either a JSON entry or a bare
// URL; blank lines and lines starting with # are skipped.
func Parse(r io.Reader) ([]source.Input, error) {
	items := []source.Input{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if !strings.HasPrefix(text, "{") {
			items = append(items, source.Input{Ref: text})
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(text), &entry); err != nil {
			return nil, fmt.Errorf("manifest line %d: %w", line, err)
		}
		if entry.URL == "" {
			return nil, fmt.Errorf("manifest line %d: url is required", line)
		}
		items = append(items, source.Input{Ref: entry.URL, Size: entry.Size})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}
	return items, nil
}
