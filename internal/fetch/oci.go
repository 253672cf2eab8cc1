package fetch

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"github.com/xfeldman/sboxd/internal/config"
)

// ociSuffix marks archives written by OCISource.
const ociSuffix = ".oci.tar"

// OCISource pulls the platform-matching variant of an image and stores it
// as an image tarball.
type OCISource struct {
	Ref      string
	Platform config.Platform
	Options  []remote.Option
}

func (s *OCISource) Name() string { return ociScheme + s.Ref }
func (s *OCISource) Kind() string { return "oci" }

func (s *OCISource) Filename() string {
	r := strings.NewReplacer("/", "_", ":", "_", "@", "_")
	return r.Replace(s.Ref) + "-" + s.Platform.String() + ociSuffix
}

// Fetch resolves the image, checks its platform and writes the tarball to w.
func (s *OCISource) Fetch(ctx context.Context, w io.Writer, progress func(raw float64)) (int64, error) {
	ref, err := name.ParseReference(s.Ref)
	if err != nil {
		return 0, fmt.Errorf("parse image ref %q: %w", s.Ref, err)
	}

	want := ociPlatform(s.Platform)
	opts := append([]remote.Option{remote.WithContext(ctx), remote.WithPlatform(want)}, s.Options...)
	img, err := remote.Image(ref, opts...)
	if err != nil {
		return 0, fmt.Errorf("%w: pull %s: %w", ErrNetwork, s.Ref, err)
	}

	// A single-manifest image is returned as is, so check it matches.
	cfg, err := img.ConfigFile()
	if err != nil {
		return 0, fmt.Errorf("%w: image config %s: %w", ErrNetwork, s.Ref, err)
	}
	if cfg.OS != want.OS || cfg.Architecture != want.Architecture {
		return 0, fmt.Errorf("image %s is %s/%s, want %s/%s", s.Ref, cfg.OS, cfg.Architecture, want.OS, want.Architecture)
	}

	updates := make(chan v1.Update, 16)
	done := make(chan error, 1)
	cw := &countingWriter{w: w}
	go func() {
		done <- tarball.Write(ref, img, cw, tarball.WithProgress(updates))
	}()

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if u.Error == nil && u.Total > 0 && progress != nil {
				progress(float64(u.Complete) * 100 / float64(u.Total))
			}
		case err := <-done:
			if err != nil {
				return cw.n, fmt.Errorf("%w: write image %s: %w", ErrNetwork, s.Ref, err)
			}
			if progress != nil {
				progress(100)
			}
			return cw.n, nil
		}
	}
}

// ociPlatform maps a host platform onto OCI platform fields.
func ociPlatform(p config.Platform) v1.Platform {
	switch p.Arch {
	case "armv7":
		return v1.Platform{OS: p.OS, Architecture: "arm", Variant: "v7"}
	default:
		return v1.Platform{OS: p.OS, Architecture: p.Arch}
	}
}
