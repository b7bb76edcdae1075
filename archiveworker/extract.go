package archiveworker

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Extractor unpacks one archive file into destDir, which is guaranteed to
// exist and be empty when Extract is called. The archive format itself is
// out of scope of this subsystem's design (section 1 non-goals); this is a
// narrow stdlib-backed implementation covering the formats named in
// section 4.1's signature table (tar, tar.gz, zip).
type Extractor interface {
	Extract(ctx context.Context, archivePath, destDir string) error
}

// TarGzExtractor extracts .tar, .tar.gz/.tgz, and .zip archives using only
// the standard library, matching the way the example pack's own archive
// package layers archive/tar and archive/zip under a single writer
// abstraction (here, a single reader abstraction).
type TarGzExtractor struct{}

// Extract implements Extractor.
func (TarGzExtractor) Extract(ctx context.Context, archivePath, destDir string) error {
	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(archivePath, destDir)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return extractTar(archivePath, destDir, true)
	case strings.HasSuffix(lower, ".tar"):
		return extractTar(archivePath, destDir, false)
	default:
		return fmt.Errorf("archiveworker: unrecognized archive extension: %s", archivePath)
	}
}

func extractTar(archivePath, destDir string, gzipped bool) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("archiveworker: open %s: %w", archivePath, err)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("archiveworker: gzip %s: %w", archivePath, err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archiveworker: read tar entry in %s: %w", archivePath, err)
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("archiveworker: mkdir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr); err != nil {
				return err
			}
		}
	}
}

func extractZip(archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("archiveworker: open zip %s: %w", archivePath, err)
	}
	defer func() { _ = zr.Close() }()

	for _, entry := range zr.File {
		target, err := safeJoin(destDir, entry.Name)
		if err != nil {
			return err
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("archiveworker: mkdir %s: %w", target, err)
			}
			continue
		}

		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("archiveworker: open zip entry %s: %w", entry.Name, err)
		}
		err = writeEntry(target, rc)
		_ = rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// safeJoin resolves name against destDir and rejects zip-slip attempts
// (paths escaping destDir via "../").
func safeJoin(destDir, name string) (string, error) {
	target := filepath.Join(destDir, name)
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) && target != filepath.Clean(destDir) {
		return "", fmt.Errorf("archiveworker: illegal archive entry path %q escapes destination", name)
	}
	return target, nil
}

func writeEntry(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("archiveworker: mkdir %s: %w", filepath.Dir(target), err)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("archiveworker: create %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return fmt.Errorf("archiveworker: write %s: %w", target, err)
	}
	return out.Close()
}
