// Package blob turns stored frame and patch URIs into URLs a browser can
// load.
package blob

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
)

const (
	gcsScheme     = "gs://"
	publicGCSHost = "https://storage.googleapis.com"
	MediaPrefix   = "/media/"
	DefaultTTL    = time.Hour
)

// Options configures a Resolver.
type Options struct {
	// SignURLs switches gs:// URIs from public links to V4 signed URLs.
	SignURLs bool
	TTL      time.Duration
	// AccessID and PrivateKey are the service account used for signing.
	AccessID   string
	PrivateKey []byte
	// ServeMedia maps relative paths under the /media route.
	ServeMedia bool
}

type Resolver struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func NewResolver(opts Options, logger *slog.Logger) *Resolver {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Resolver{opts: opts, logger: logger, now: time.Now}
}

// LoadCredentials reads a service account JSON key file and returns the
// signing identity in it.
func LoadCredentials(file string) (accessID string, privateKey []byte, err error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return "", nil, fmt.Errorf("read credentials: %w", err)
	}
	conf, err := google.JWTConfigFromJSON(data, storage.ScopeReadOnly)
	if err != nil {
		return "", nil, fmt.Errorf("parse credentials: %w", err)
	}
	if conf.Email == "" || len(conf.PrivateKey) == 0 {
		return "", nil, fmt.Errorf("credentials file %s has no service account key", file)
	}
	return conf.Email, conf.PrivateKey, nil
}

// URL resolves uri for presentation. Failures are logged and the raw uri
// is returned.
func (r *Resolver) URL(uri string) string {
	if uri == "" {
		return ""
	}

	if bucket, object, ok := ParseGCSURI(uri); ok {
		if !r.opts.SignURLs {
			return publicGCSHost + "/" + bucket + "/" + escapeObject(object)
		}
		signed, err := storage.SignedURL(bucket, object, &storage.SignedURLOptions{
			GoogleAccessID: r.opts.AccessID,
			PrivateKey:     r.opts.PrivateKey,
			Method:         http.MethodGet,
			Expires:        r.now().Add(r.opts.TTL),
			Scheme:         storage.SigningSchemeV4,
		})
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("failed to sign blob url", "uri", uri, "error", err)
			}
			return uri
		}
		return signed
	}

	if r.opts.ServeMedia && isRelativePath(uri) {
		return MediaPrefix + escapeObject(strings.TrimPrefix(path.Clean("/"+uri), "/"))
	}
	return uri
}

// ParseGCSURI splits gs://bucket/object. Both parts must be non-empty.
func ParseGCSURI(uri string) (bucket, object string, ok bool) {
	if !strings.HasPrefix(uri, gcsScheme) {
		return "", "", false
	}
	rest := strings.TrimPrefix(uri, gcsScheme)
	bucket, object, found := strings.Cut(rest, "/")
	if !found || bucket == "" || object == "" {
		return "", "", false
	}
	return bucket, object, true
}

func isRelativePath(uri string) bool {
	if strings.HasPrefix(uri, "/") {
		return false
	}
	u, err := url.Parse(uri)
	return err == nil && u.Scheme == "" && u.Host == ""
}

func escapeObject(object string) string {
	parts := strings.Split(object, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
