package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bodgit/sevenzip"
)

type sevenZipExtractor struct {
	files    []*sevenzip.File
	password string
	closer   io.Closer
}

func newSevenZipExtractor(r io.ReaderAt, size int64, password string, closer io.Closer) (*sevenZipExtractor, error) {
	var (
		zr  *sevenzip.Reader
		err error
	)
	if password != "" {
		zr, err = sevenzip.NewReaderWithPassword(r, size, password)
	} else {
		zr, err = sevenzip.NewReader(r, size)
	}
	if err != nil {
		return nil, sevenZipErr(password, "read 7z header", err)
	}
	return &sevenZipExtractor{files: zr.File, password: password, closer: closer}, nil
}

// sevenZipErr maps the reader's encryption hint onto the password errors.
func sevenZipErr(password, op string, err error) error {
	var re *sevenzip.ReadError
	if errors.As(err, &re) && re.Encrypted {
		if password == "" {
			return fmt.Errorf("%w: %v", ErrPasswordRequired, err)
		}
		return fmt.Errorf("%w: %v", ErrBadPassword, err)
	}
	return ioErr(op, err)
}

func (s *sevenZipExtractor) names(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(s.files))
	for _, f := range s.files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, f.Name)
	}
	return out, nil
}

func (s *sevenZipExtractor) member(f *sevenzip.File) (Member, error) {
	mode := f.Mode()
	m := Member{
		Name: f.Name,
		Kind: kindFromMode(mode),
		Mode: mode,
		Size: int64(f.UncompressedSize),
	}
	if strings.HasSuffix(f.Name, "/") {
		m.Kind = KindDir
	}
	if m.Kind == KindSymlink {
		target, err := readLinkTarget(f.Open)
		if err != nil {
			return m, sevenZipErr(s.password, "read 7z link "+f.Name, err)
		}
		m.LinkTarget = target
	}
	return m, nil
}

func (s *sevenZipExtractor) members(ctx context.Context) ([]Member, error) {
	out := make([]Member, 0, len(s.files))
	for _, f := range s.files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := s.member(f)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *sevenZipExtractor) each(ctx context.Context, fn func(Member, io.Reader) error) error {
	for _, f := range s.files {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := s.member(f)
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
			return sevenZipErr(s.password, "open 7z entry "+f.Name, err)
		}
		err = fn(m, &sevenZipEntryReader{r: rc, password: s.password, name: f.Name})
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *sevenZipExtractor) Close() error {
	return s.closer.Close()
}

type sevenZipEntryReader struct {
	r        io.Reader
	password string
	name     string
}

func (e *sevenZipEntryReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && err != io.EOF {
		return n, sevenZipErr(e.password, "read 7z entry "+e.name, err)
	}
	return n, err
}
