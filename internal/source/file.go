package source

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"os"
)

// TypeIndex is a prebuilt index file, e.g. one published by a catalog
// maintainer. Sync copies it in; the coordinator validates the copy.
const TypeIndex = "index"

type fileSource struct {
	*Base
}

func newFileSource(d Descriptor) (Source, error) {
	if d.Arg == "" {
		return nil, fmt.Errorf("source %s: index file path is required", d.Name)
	}
	return &fileSource{Base: NewBase(d)}, nil
}

func (s *fileSource) Fetch(ctx context.Context, dst string) error {
	return copyFile(ctx, s.desc.Arg, dst)
}

func (s *fileSource) Fingerprint(ctx context.Context) (string, error) {
	return fileMD5(s.desc.Arg)
}

// copyFile copies src to dst, failing if dst exists.
func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, readerWithContext{ctx: ctx, r: in}); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// readerWithContext stops a copy once ctx is done.
type readerWithContext struct {
	ctx context.Context
	r   io.Reader
}

func (r readerWithContext) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// fileMD5 returns the hex-encoded MD5 digest of the file at path.
func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
