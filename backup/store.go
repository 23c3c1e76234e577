// Package backup snapshots shard data into an object store as gzipped
// JSONL, one object per table, plus a manifest describing the snapshot.
// Restores stream the same objects back through the idempotent import
// path.
package backup

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// ObjectStore is the minimal blob interface snapshots need.
type ObjectStore interface {
	// Put writes the object at key, replacing any prior content.
	Put(ctx context.Context, key string, r io.Reader) error
	// Get opens the object at key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns keys under the prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// OpenStore builds an ObjectStore from a URL. file:///path roots a
// directory store; gs://bucket/prefix uses Google Cloud Storage with
// application default credentials.
func OpenStore(rawURL string) (ObjectStore, error) {
	var u, err = url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing store URL %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "file":
		return &fileStore{root: u.Path}, nil
	case "gs":
		return &gcsStore{bucket: u.Host, prefix: strings.TrimPrefix(u.Path, "/")}, nil
	default:
		return nil, fmt.Errorf("unsupported backup store scheme %q", u.Scheme)
	}
}

// fileStore lays objects out as files under a root directory.
type fileStore struct {
	root string
}

func (s *fileStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *fileStore) Put(_ context.Context, key string, r io.Reader) error {
	var p = s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(p), err)
	}
	var f, err = os.Create(p)
	if err != nil {
		return fmt.Errorf("creating %s: %w", p, err)
	}
	if _, err = io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", p, err)
	}
	return f.Close()
}

func (s *fileStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	var f, err = os.Open(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", key, err)
	}
	return f, nil
}

func (s *fileStore) List(_ context.Context, prefix string) ([]string, error) {
	var out []string
	var err = filepath.Walk(s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		var key = filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("walking %s: %w", s.root, err)
	}
	sort.Strings(out)
	return out, nil
}

// gcsStore reads and writes Google Cloud Storage objects. The client is
// built lazily so merely configuring gs:// does not require credentials.
type gcsStore struct {
	bucket string
	prefix string

	mu     sync.Mutex
	client *storage.Client
}

func (s *gcsStore) object(ctx context.Context, key string) (*storage.ObjectHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		var client, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("building google storage client: %w", err)
		}
		s.client = client
	}
	return s.client.Bucket(s.bucket).Object(path.Join(s.prefix, key)), nil
}

func (s *gcsStore) Put(ctx context.Context, key string, r io.Reader) error {
	var obj, err = s.object(ctx, key)
	if err != nil {
		return err
	}
	var w = obj.NewWriter(ctx)
	if _, err = io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing gs://%s/%s: %w", s.bucket, key, err)
	}
	return w.Close()
}

func (s *gcsStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var obj, err = s.object(ctx, key)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening gs://%s/%s: %w", s.bucket, key, err)
	}
	return r, nil
}

func (s *gcsStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	if s.client == nil {
		var client, err = storage.NewClient(ctx)
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("building google storage client: %w", err)
		}
		s.client = client
	}
	var client = s.client
	s.mu.Unlock()

	var it = client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: path.Join(s.prefix, prefix),
	})
	var out []string
	for {
		var attrs, err = it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing gs://%s/%s: %w", s.bucket, prefix, err)
		}
		out = append(out, strings.TrimPrefix(attrs.Name, s.prefix+"/"))
	}
	return out, nil
}
