// Package provision materializes a node's ephemeral input files and binds
// their paths into the node scope.
package provision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ormasoftchile/cascade/pkg/schema"
	"github.com/ormasoftchile/cascade/pkg/scope"
)

// ErrProvisioning is returned when a file cannot be decoded, fetched or written.
var ErrProvisioning = errors.New("provisioning")

// DefaultFetchTimeout bounds a single remote fetch when no client is configured.
const DefaultFetchTimeout = 30 * time.Second

// Fetcher retrieves remote file content.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher fetches content with a plain HTTP GET.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns a fetcher whose requests time out after timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

// Fetch performs the GET and returns the body. Non-2xx responses are errors.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s: HTTP %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("GET %s: read body: %w", url, err)
	}
	return body, nil
}

// Provisioner creates ephemeral files under Dir (os.TempDir when empty).
type Provisioner struct {
	Dir     string
	Fetcher Fetcher
}

// New returns a provisioner writing to dir and fetching with fetcher.
func New(dir string, fetcher Fetcher) *Provisioner {
	if fetcher == nil {
		fetcher = NewHTTPFetcher(DefaultFetchTimeout)
	}
	return &Provisioner{Dir: dir, Fetcher: fetcher}
}

// Set is the group of files provisioned for one node instance.
type Set struct {
	mu    sync.Mutex
	paths []string
}

// Paths returns the provisioned file paths in declaration order.
func (fs *Set) Paths() []string {
	if fs == nil {
		return nil
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.paths...)
}

// Release removes every file in the set. Safe to call more than once.
func (fs *Set) Release() error {
	if fs == nil {
		return nil
	}
	fs.mu.Lock()
	paths := fs.paths
	fs.paths = nil
	fs.mu.Unlock()

	var err error
	for _, p := range paths {
		if rmErr := os.Remove(p); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = multierr.Append(err, rmErr)
		}
	}
	return err
}

// Provision writes each file definition to a new temp file and binds its
// path into s under the declared name. Content is a template resolved
// against s; for remote files it is the URL. On failure every file created
// so far is removed.
func (p *Provisioner) Provision(ctx context.Context, files []schema.File, s scope.Scope, log *zap.Logger) (*Set, error) {
	set := &Set{}
	for _, f := range files {
		log.Debug("unpacking file", zap.String("name", f.Name), zap.String("type", string(f.Type)))
		path, err := p.provisionOne(ctx, f, s)
		if err != nil {
			if relErr := set.Release(); relErr != nil {
				log.Warn("failed to remove partially provisioned files", zap.Error(relErr))
			}
			return nil, fmt.Errorf("%w: file %q: %v", ErrProvisioning, f.Name, err)
		}
		set.paths = append(set.paths, path)
		s.Set(f.Name, path)
	}
	return set, nil
}

func (p *Provisioner) provisionOne(ctx context.Context, f schema.File, s scope.Scope) (string, error) {
	content, err := scope.Resolve(f.Content, s)
	if err != nil {
		return "", err
	}
	data, err := p.materialize(ctx, f.Type, content)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(p.Dir, "cascade-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	return tmp.Name(), nil
}

func (p *Provisioner) materialize(ctx context.Context, kind schema.FileType, content string) ([]byte, error) {
	switch kind {
	case schema.FileText:
		return []byte(content), nil
	case schema.FileBase64:
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, fmt.Errorf("base64 decode: %w", err)
		}
		return data, nil
	case schema.FileRemote, schema.FileWget:
		if p.Fetcher == nil {
			return nil, fmt.Errorf("no fetcher configured for remote file")
		}
		return p.Fetcher.Fetch(ctx, content)
	default:
		return nil, fmt.Errorf("unknown file type %q", kind)
	}
}
