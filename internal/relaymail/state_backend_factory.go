package relaymail

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// BuildStateBackendFromDSN maps a DSN onto a watermark backend. A bare path
// or file:// selects the JSON directory backend.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	scheme := dsnScheme(dsn)
	if factory, ok := lookupStateBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		parsed, err := url.Parse(dsn)
		if err != nil {
			return nil, err
		}
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewJSONDirStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	case "sqlite", "sqlite3":
		return NewSQLiteStateBackend(sqlitePath(dsn))
	case "mysql":
		return nil, fmt.Errorf("%w: state backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

// BuildBlobStoreFromDSN maps a DSN onto an artifact store.
func BuildBlobStoreFromDSN(dsn string) (BlobStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	scheme := dsnScheme(dsn)
	if factory, ok := lookupBlobStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		parsed, err := url.Parse(dsn)
		if err != nil {
			return nil, err
		}
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFileBlobStore(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryBlobStore(), nil
	case "s3":
		return NewS3BlobStore(context.Background(), dsn)
	default:
		return nil, fmt.Errorf("unsupported blob store scheme: %s", scheme)
	}
}

// CloseStateBackend releases backends that hold locks or connections.
func CloseStateBackend(backend StateBackend) error {
	if closer, ok := backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

func dsnScheme(dsn string) string {
	idx := strings.Index(dsn, "://")
	if idx <= 0 {
		if strings.HasPrefix(strings.ToLower(dsn), "memory:") {
			return "memory"
		}
		return ""
	}
	return normalizeBackendScheme(dsn[:idx])
}

func sqlitePath(dsn string) string {
	idx := strings.Index(dsn, "://")
	if idx < 0 {
		return dsn
	}
	return dsn[idx+len("://"):]
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
