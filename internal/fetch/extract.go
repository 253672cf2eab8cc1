package fetch

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// Extract unpacks archive into destDir. The format is chosen from the
// archive name: .zip, .tar.gz/.tgz, .tar.zst/.tzst or an OCI image tarball
// written by OCISource. Entries that would land outside destDir are refused.
func Extract(archive, destDir string) error {
	var err error
	name := strings.ToLower(filepath.Base(archive))
	switch {
	case strings.HasSuffix(name, ociSuffix):
		err = extractImage(archive, destDir)
	case strings.HasSuffix(name, ".zip"):
		err = extractZip(archive, destDir)
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		err = extractCompressedTar(archive, destDir, func(r io.Reader) (io.ReadCloser, error) {
			return gzip.NewReader(r)
		})
	case strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".tzst"):
		err = extractCompressedTar(archive, destDir, func(r io.Reader) (io.ReadCloser, error) {
			d, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return d.IOReadCloser(), nil
		})
	default:
		err = fmt.Errorf("unsupported archive format %q", name)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrExtractFailed, filepath.Base(archive), err)
	}
	return nil
}

// safeJoin resolves an archive entry name under destDir.
func safeJoin(destDir, entry string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimLeft(entry, "/")))
	if clean == "." {
		return destDir, nil
	}
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("unsafe path %q", entry)
	}
	return filepath.Join(destDir, clean), nil
}

func extractZip(archive, destDir string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("mkdir %s: %w", f.Name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open %s: %w", f.Name, err)
		}
		err = writeFile(target, rc, f.Mode().Perm())
		rc.Close()
		if err != nil {
			return fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractCompressedTar(archive, destDir string, decompress func(io.Reader) (io.ReadCloser, error)) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	dr, err := decompress(f)
	if err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	defer dr.Close()

	return untar(tar.NewReader(dr), destDir, false)
}

// extractImage applies every layer of an image tarball in order.
func extractImage(archive, destDir string) error {
	img, err := tarball.ImageFromPath(archive, nil)
	if err != nil {
		return fmt.Errorf("open image tarball: %w", err)
	}
	layers, err := img.Layers()
	if err != nil {
		return fmt.Errorf("get layers: %w", err)
	}
	for i, layer := range layers {
		mt, err := layer.MediaType()
		if err != nil {
			return fmt.Errorf("layer %d media type: %w", i, err)
		}
		rc, err := layer.Compressed()
		if err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
		var dr io.ReadCloser
		if strings.Contains(string(mt), "zstd") {
			d, derr := zstd.NewReader(rc)
			if derr == nil {
				dr = d.IOReadCloser()
			}
			err = derr
		} else {
			dr, err = gzip.NewReader(rc)
		}
		if err != nil {
			rc.Close()
			return fmt.Errorf("layer %d decompress: %w", i, err)
		}
		err = untar(tar.NewReader(dr), destDir, true)
		dr.Close()
		rc.Close()
		if err != nil {
			return fmt.Errorf("unpack layer %d: %w", i, err)
		}
	}
	return nil
}

// untar writes tar entries under destDir. With whiteouts set, OCI whiteout
// entries delete what earlier layers wrote.
func untar(tr *tar.Reader, destDir string, whiteouts bool) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		if whiteouts {
			base := filepath.Base(target)
			dir := filepath.Dir(target)
			if base == ".wh..wh..opq" {
				entries, _ := os.ReadDir(dir)
				for _, e := range entries {
					os.RemoveAll(filepath.Join(dir, e.Name()))
				}
				continue
			}
			if strings.HasPrefix(base, ".wh.") {
				os.RemoveAll(filepath.Join(dir, strings.TrimPrefix(base, ".wh.")))
				continue
			}
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("mkdir %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeFile(target, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
				return fmt.Errorf("write %s: %w", hdr.Name, err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("symlink %s -> %s: %w", hdr.Name, hdr.Linkname, err)
			}
		case tar.TypeLink:
			linkTarget, err := safeJoin(destDir, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Link(linkTarget, target); err != nil {
				return fmt.Errorf("hardlink %s -> %s: %w", hdr.Name, hdr.Linkname, err)
			}
		}
	}
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	// Replace rather than write through an existing symlink.
	os.Remove(target)
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// FindFile walks dir for the first regular file called name.
func FindFile(dir, name string) (string, error) {
	var found string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == name && d.Type().IsRegular() {
			found = p
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%s not found under %s", name, dir)
	}
	return found, nil
}
