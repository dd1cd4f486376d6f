package registry

import (
	"io"
	"strings"
)

// Open picks a source for ref: http(s) URLs query a registry service,
// "sqlite://path" or a *.db / *.sqlite path opens a SQLite registry, and
// anything else is a JSON registry file. The returned closer releases the
// source and is never nil.
func Open(ref string, opts ...HTTPOption) (Source, io.Closer, error) {
	ref = strings.TrimSpace(ref)
	lower := strings.ToLower(ref)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return NewHTTPSource(ref, opts...), nopCloser{}, nil
	case strings.HasPrefix(lower, "sqlite://"):
		src, err := NewSQLiteSource(ref[len("sqlite://"):])
		if err != nil {
			return nil, nopCloser{}, err
		}
		return src, src, nil
	case strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"):
		src, err := NewSQLiteSource(ref)
		if err != nil {
			return nil, nopCloser{}, err
		}
		return src, src, nil
	default:
		return NewFileSource(ref), nopCloser{}, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
