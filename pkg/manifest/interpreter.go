package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/WebFirstLanguage/weeb3/pkg/constants"
	"github.com/WebFirstLanguage/weeb3/pkg/swarm"
)

// Metadata keys
const (
	IndexDocumentKey = "website-index-document"
	ContentTypeKey   = "Content-Type"
	FilenameKey      = "Filename"
)

const defaultMIME = "application/octet-stream"

var (
	// ErrNotFound is returned when no entry matches a path.
	ErrNotFound = errors.New("manifest path not found")
	// ErrTooManyEntries is returned when a listing exceeds the entry limit.
	ErrTooManyEntries = errors.New("manifest has too many entries")
)

// DataGetter returns the joined data, span first, stored at addr.
type DataGetter interface {
	GetData(ctx context.Context, addr swarm.Address) ([]byte, error)
}

// Entry is one resolved file.
type Entry struct {
	Path string `json:"path"`
	MIME string `json:"mime"`
	Data []byte `json:"data"`
}

// Interpreter resolves a path inside a retrieved root object.
type Interpreter interface {
	// Interpret returns the entries matching path and the index document
	// named by the root, if any. root is the joined root data, span first.
	Interpret(ctx context.Context, path string, root []byte, getter DataGetter) ([]Entry, string, error)
}

// ForkInterpreter walks manifest tries.
type ForkInterpreter struct {
	// MaxEntries bounds directory listings. Zero means 1024.
	MaxEntries int
}

// Interpret implements Interpreter. An empty path resolves to the index
// document; a path naming a directory, or an empty path without index
// document, lists every entry below it.
func (fi ForkInterpreter) Interpret(ctx context.Context, p string, root []byte, getter DataGetter) ([]Entry, string, error) {
	if len(root) < constants.SpanSize {
		return nil, "", fmt.Errorf("%w: root without span", ErrShortNode)
	}
	node, err := Parse(root[constants.SpanSize:])
	if err != nil {
		return nil, "", err
	}

	index := ""
	if f, ok := node.Forks['/']; ok && len(f.Prefix) == 1 {
		index = f.Metadata[IndexDocumentKey]
	}

	p = strings.TrimPrefix(p, "/")
	if p == "" {
		p = index
	}

	if p != "" {
		entry, err := fi.resolve(ctx, node, []byte(p), getter)
		if err == nil {
			return []Entry{entry}, index, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, index, err
		}
	}

	// Fall back to listing everything under p
	entries, err := fi.list(ctx, node, strings.TrimSuffix(p, "/"), getter)
	if err != nil {
		return nil, index, err
	}
	if len(entries) == 0 {
		return nil, index, fmt.Errorf("%w: %q", ErrNotFound, p)
	}
	return entries, index, nil
}

func loadNode(ctx context.Context, getter DataGetter, addr swarm.Address) (*Node, error) {
	data, err := getter.GetData(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("manifest node %s: %w", addr, err)
	}
	if len(data) < constants.SpanSize {
		return nil, fmt.Errorf("manifest node %s: %w", addr, ErrShortNode)
	}
	return Parse(data[constants.SpanSize:])
}

// lookup descends from n along rest and returns the node reached together
// with the metadata of the last fork taken.
func lookup(ctx context.Context, getter DataGetter, n *Node, rest []byte) (*Node, map[string]string, error) {
	for {
		f, ok := n.Forks[rest[0]]
		if !ok || !bytes.HasPrefix(rest, f.Prefix) {
			return nil, nil, ErrNotFound
		}
		child, err := loadNode(ctx, getter, f.Reference)
		if err != nil {
			return nil, nil, err
		}
		rest = rest[len(f.Prefix):]
		if len(rest) == 0 {
			if !f.IsValue() {
				return nil, nil, ErrNotFound
			}
			return child, f.Metadata, nil
		}
		n = child
	}
}

func (fi ForkInterpreter) resolve(ctx context.Context, n *Node, p []byte, getter DataGetter) (Entry, error) {
	child, meta, err := lookup(ctx, getter, n, p)
	if err != nil {
		return Entry{}, err
	}
	if child.Entry.IsZero() {
		return Entry{}, ErrNotFound
	}
	return fetchEntry(ctx, getter, string(p), child.Entry, meta)
}

func fetchEntry(ctx context.Context, getter DataGetter, p string, ref swarm.Address, meta map[string]string) (Entry, error) {
	data, err := getter.GetData(ctx, ref)
	if err != nil {
		return Entry{}, fmt.Errorf("entry %q: %w", p, err)
	}
	if len(data) < constants.SpanSize {
		return Entry{}, fmt.Errorf("entry %q: %w", p, ErrShortNode)
	}
	return Entry{Path: p, MIME: mimeType(p, meta), Data: data[constants.SpanSize:]}, nil
}

func mimeType(p string, meta map[string]string) string {
	if ct := meta[ContentTypeKey]; ct != "" {
		return ct
	}
	if ct := mime.TypeByExtension(path.Ext(p)); ct != "" {
		return ct
	}
	return defaultMIME
}

// list returns every entry whose path starts with dir.
func (fi ForkInterpreter) list(ctx context.Context, root *Node, dir string, getter DataGetter) ([]Entry, error) {
	limit := fi.MaxEntries
	if limit <= 0 {
		limit = 1024
	}

	start, prefix := root, ""
	if dir != "" {
		// Find the deepest node whose path is a prefix of dir
		n, matched, err := descend(ctx, getter, root, []byte(dir))
		if err != nil {
			return nil, err
		}
		start, prefix = n, matched
	}

	var entries []Entry
	var walk func(n *Node, at string) error
	walk = func(n *Node, at string) error {
		for _, k := range n.Keys() {
			if err := ctx.Err(); err != nil {
				return err
			}
			f := n.Forks[k]
			full := at + string(f.Prefix)
			if !strings.HasPrefix(full, dir) && !strings.HasPrefix(dir, full) {
				continue
			}
			child, err := loadNode(ctx, getter, f.Reference)
			if err != nil {
				return err
			}
			if f.IsValue() && !child.Entry.IsZero() && strings.HasPrefix(full, dir) {
				if len(entries) >= limit {
					return fmt.Errorf("%w: more than %d", ErrTooManyEntries, limit)
				}
				e, err := fetchEntry(ctx, getter, full, child.Entry, f.Metadata)
				if err != nil {
					return err
				}
				entries = append(entries, e)
			}
			if err := walk(child, full); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(start, prefix); err != nil {
		return nil, err
	}
	return entries, nil
}

// descend follows whole fork prefixes of p as far as they match and returns
// the node reached and the path consumed.
func descend(ctx context.Context, getter DataGetter, n *Node, p []byte) (*Node, string, error) {
	consumed := 0
	for consumed < len(p) {
		f, ok := n.Forks[p[consumed]]
		if !ok || !bytes.HasPrefix(p[consumed:], f.Prefix) {
			break
		}
		child, err := loadNode(ctx, getter, f.Reference)
		if err != nil {
			return nil, "", err
		}
		n = child
		consumed += len(f.Prefix)
	}
	return n, string(p[:consumed]), nil
}
