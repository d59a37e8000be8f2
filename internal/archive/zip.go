package archive

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/yeka/zip"
)

func writeZip(ctx context.Context, w io.Writer, inputs []source, password string) error {
	zw := zip.NewWriter(w)
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}

		var dst io.Writer
		var err error
		if password != "" {
			dst, err = zw.Encrypt(in.name, password, zip.AES256Encryption)
		} else {
			fh := &zip.FileHeader{Name: in.name, Method: zip.Deflate}
			fh.SetModTime(in.modTime)
			fh.SetMode(in.mode)
			dst, err = zw.CreateHeader(fh)
		}
		if err != nil {
			return ioErr("add zip entry", err)
		}
		if err := copySource(dst, in); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return ioErr("finish zip", err)
	}
	return nil
}

func copySource(dst io.Writer, in source) error {
	src, err := in.open()
	if err != nil {
		return ioErr("open source", err)
	}
	defer src.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return ioErr("write "+in.name, err)
	}
	return nil
}

type zipExtractor struct {
	files    []*zip.File
	password string
	closer   io.Closer
}

func newZipExtractor(r io.ReaderAt, size int64, password string, closer io.Closer) (*zipExtractor, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, ioErr("read zip directory", err)
	}
	for _, f := range zr.File {
		if f.IsEncrypted() && password != "" {
			f.SetPassword(password)
		}
	}
	return &zipExtractor{files: zr.File, password: password, closer: closer}, nil
}

func (z *zipExtractor) names(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(z.files))
	for _, f := range z.files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, f.Name)
	}
	return out, nil
}

func (z *zipExtractor) member(f *zip.File) (Member, error) {
	mode := f.Mode()
	m := Member{
		Name: f.Name,
		Kind: kindFromMode(mode),
		Mode: mode,
		Size: int64(f.UncompressedSize64),
	}
	if strings.HasSuffix(f.Name, "/") {
		m.Kind = KindDir
	}
	if f.IsEncrypted() && z.password == "" {
		return m, fmt.Errorf("%w: %q", ErrPasswordRequired, f.Name)
	}
	if m.Kind == KindSymlink {
		target, err := readLinkTarget(z.opener(f))
		if err != nil {
			return m, z.entryErr(f, err)
		}
		m.LinkTarget = target
	}
	return m, nil
}

func (z *zipExtractor) members(ctx context.Context) ([]Member, error) {
	out := make([]Member, 0, len(z.files))
	for _, f := range z.files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := z.member(f)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (z *zipExtractor) each(ctx context.Context, fn func(Member, io.Reader) error) error {
	for _, f := range z.files {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := z.member(f)
		if err != nil {
			return err
		}
		if m.Kind != KindFile {
			if err := fn(m, nil); err != nil {
				return err
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return z.entryErr(f, err)
		}
		err = fn(m, &zipEntryReader{r: rc, z: z, f: f})
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (z *zipExtractor) opener(f *zip.File) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) { return f.Open() }
}

// entryErr classifies a failure reading an entry. For encrypted entries a
// read failure almost always means the password is wrong.
func (z *zipExtractor) entryErr(f *zip.File, err error) error {
	if f.IsEncrypted() {
		return fmt.Errorf("%w: %q: %v", ErrBadPassword, f.Name, err)
	}
	return ioErr("read zip entry "+f.Name, err)
}

func (z *zipExtractor) Close() error {
	return z.closer.Close()
}

type zipEntryReader struct {
	r io.Reader
	z *zipExtractor
	f *zip.File
}

func (e *zipEntryReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && err != io.EOF {
		return n, e.z.entryErr(e.f, err)
	}
	return n, err
}
