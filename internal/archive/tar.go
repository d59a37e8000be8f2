package archive

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

func writeTar(ctx context.Context, w io.Writer, inputs []source, format Format) error {
	cw, err := compressWriter(w, format)
	if err != nil {
		return ioErr("start compressor", err)
	}
	tw := tar.NewWriter(cw)
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     in.name,
			Size:     in.size,
			Mode:     int64(in.mode.Perm()),
			ModTime:  in.modTime,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return ioErr("write tar header", err)
		}
		if err := copySource(tw, in); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return ioErr("finish tar", err)
	}
	if err := cw.Close(); err != nil {
		return ioErr("finish compressor", err)
	}
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func compressWriter(w io.Writer, format Format) (io.WriteCloser, error) {
	switch format {
	case FormatTarGz:
		return gzip.NewWriterLevel(w, gzip.DefaultCompression)
	case FormatTarBz2:
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
	case FormatTarXz:
		return xz.NewWriter(w)
	}
	return nopWriteCloser{w}, nil
}

func decompressReader(r io.Reader, format Format) (io.ReadCloser, error) {
	switch format {
	case FormatTarGz:
		return gzip.NewReader(r)
	case FormatTarBz2:
		return bzip2.NewReader(r, nil)
	case FormatTarXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	}
	return io.NopCloser(r), nil
}

// tarExtractor streams the archive once per pass from the start of r.
type tarExtractor struct {
	r      io.ReaderAt
	size   int64
	format Format
	closer io.Closer
}

func newTarExtractor(r io.ReaderAt, size int64, format Format, closer io.Closer) *tarExtractor {
	return &tarExtractor{r: r, size: size, format: format, closer: closer}
}

func (t *tarExtractor) walk(ctx context.Context, fn func(hdr *tar.Header, tr *tar.Reader) error) error {
	dr, err := decompressReader(io.NewSectionReader(t.r, 0, t.size), t.format)
	if err != nil {
		return ioErr("open "+t.format.String()+" stream", err)
	}
	defer dr.Close()

	tr := tar.NewReader(dr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return ioErr("read tar header", err)
		}
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

func tarMember(hdr *tar.Header) Member {
	m := Member{
		Name: hdr.Name,
		Mode: hdr.FileInfo().Mode(),
		Size: hdr.Size,
	}
	switch hdr.Typeflag {
	case tar.TypeReg, tar.TypeRegA:
		m.Kind = KindFile
	case tar.TypeDir:
		m.Kind = KindDir
	case tar.TypeSymlink:
		m.Kind = KindSymlink
		m.LinkTarget = hdr.Linkname
	case tar.TypeLink:
		m.Kind = KindHardlink
		m.LinkTarget = hdr.Linkname
	default:
		m.Kind = KindSpecial
	}
	// Mode bits alone never override the header type, but keep the setuid
	// and setgid flags so validation can reject them.
	m.Mode &= fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky
	return m
}

func (t *tarExtractor) members(ctx context.Context) ([]Member, error) {
	var out []Member
	err := t.walk(ctx, func(hdr *tar.Header, _ *tar.Reader) error {
		out = append(out, tarMember(hdr))
		return nil
	})
	return out, err
}

func (t *tarExtractor) names(ctx context.Context) ([]string, error) {
	var out []string
	err := t.walk(ctx, func(hdr *tar.Header, _ *tar.Reader) error {
		out = append(out, hdr.Name)
		return nil
	})
	return out, err
}

func (t *tarExtractor) each(ctx context.Context, fn func(Member, io.Reader) error) error {
	return t.walk(ctx, func(hdr *tar.Header, tr *tar.Reader) error {
		m := tarMember(hdr)
		if m.Kind == KindFile {
			return fn(m, tr)
		}
		return fn(m, nil)
	})
}

func (t *tarExtractor) Close() error {
	return t.closer.Close()
}
