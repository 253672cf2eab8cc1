package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/xfeldman/sboxd/internal/config"
)

// Source is one candidate location for an artifact.
type Source interface {
	// Name identifies the source in logs and errors.
	Name() string
	// Kind is a short label for metrics ("http", "oci").
	Kind() string
	// Filename is the archive name the artifact is stored under. Its suffix
	// selects the extractor.
	Filename() string
	// Fetch writes the artifact to w, reporting raw progress in 0-100 when
	// the total size is known.
	Fetch(ctx context.Context, w io.Writer, progress func(raw float64)) (int64, error)
}

// SourceOptions carries what ParseSource needs to build sources.
type SourceOptions struct {
	Client   *resty.Client
	Platform config.Platform
	Remote   []remote.Option
}

const ociScheme = "oci://"

// ParseSource builds a source from an http(s) URL or an oci:// image
// reference.
func ParseSource(raw string, opts SourceOptions) (Source, error) {
	if strings.HasPrefix(raw, ociScheme) {
		ref := strings.TrimPrefix(raw, ociScheme)
		if ref == "" {
			return nil, fmt.Errorf("empty image reference in %q", raw)
		}
		return &OCISource{Ref: ref, Platform: opts.Platform, Options: opts.Remote}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse source %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("http source %q needs a client", raw)
	}
	return &HTTPSource{URL: raw, Client: opts.Client}, nil
}

// ArtifactName returns the release archive name for a kernel version and
// platform: sing-box[-<version>]-<os>-<arch>.<ext>. Windows archives are
// zip, everything else tar.gz.
func ArtifactName(version string, p config.Platform) string {
	ext := "tar.gz"
	if p.OS == "windows" {
		ext = "zip"
	}
	version = strings.TrimPrefix(version, "v")
	if version == "" || version == "latest" {
		return fmt.Sprintf("sing-box-%s-%s.%s", p.OS, p.Arch, ext)
	}
	return fmt.Sprintf("sing-box-%s-%s-%s.%s", version, p.OS, p.Arch, ext)
}

// ReleaseBase returns the download base URL for a version. An empty or
// "latest" version keeps base as is; otherwise a trailing "latest/download"
// is replaced by "download/v<version>".
func ReleaseBase(base, version string) string {
	base = strings.TrimRight(base, "/")
	version = strings.TrimPrefix(version, "v")
	if version == "" || version == "latest" {
		return base
	}
	if strings.HasSuffix(base, "/latest/download") {
		return strings.TrimSuffix(base, "latest/download") + "download/v" + version
	}
	return base
}

// KernelSources builds the ordered candidate list for a kernel artifact.
// Each mirror is a URL prefix placed in front of the primary URL and is tried
// before it. A non-empty image is tried last as an oci:// source.
func KernelSources(base string, mirrors []string, image, artifact string, opts SourceOptions) ([]Source, error) {
	primary := strings.TrimRight(base, "/") + "/" + artifact

	raws := make([]string, 0, len(mirrors)+2)
	for _, m := range mirrors {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if !strings.HasSuffix(m, "/") {
			m += "/"
		}
		raws = append(raws, m+primary)
	}
	raws = append(raws, primary)
	if image != "" {
		if !strings.HasPrefix(image, ociScheme) {
			image = ociScheme + image
		}
		raws = append(raws, image)
	}

	sources := make([]Source, 0, len(raws))
	for _, raw := range raws {
		s, err := ParseSource(raw, opts)
		if err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, nil
}

// urlFilename returns the last path element of a URL.
func urlFilename(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "download"
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "download"
	}
	return name
}
