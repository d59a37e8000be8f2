// Package validation holds the upload and naming rules shared by the tree
// store and the HTTP layer.
package validation

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	ozzo "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/amitdevx/FileFlow/internal/models"
)

const (
	DefaultMaxFileSize = 100 << 20
	MaxFilenameLength  = 255

	MaxProfileNameLength = 100
	MaxSearchTextLength  = 500
)

// DefaultExtensions are accepted when no list is configured. Archive
// extensions are included so created archives can be uploaded again.
var DefaultExtensions = []string{
	"txt", "pdf", "png", "jpg", "jpeg", "gif", "zip", "mp4", "mov",
	"tar", "gz", "bz2", "xz", "7z",
}

const invalidChars = `<>:"/\|?*`

// Config is the explicit validation configuration.
type Config struct {
	AllowedExtensions []string
	MaxFileSize       int64
}

// Validator applies a Config. The zero value is not usable; call New.
type Validator struct {
	allowed map[string]bool
	maxSize int64
}

// New normalizes cfg. Extensions are compared without a leading dot and
// case-insensitively.
func New(cfg Config) *Validator {
	exts := cfg.AllowedExtensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	v := &Validator{allowed: make(map[string]bool, len(exts)), maxSize: cfg.MaxFileSize}
	for _, e := range exts {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			v.allowed[e] = true
		}
	}
	if v.maxSize <= 0 {
		v.maxSize = DefaultMaxFileSize
	}
	return v
}

// MaxFileSize returns the configured upload limit.
func (v *Validator) MaxFileSize() int64 { return v.maxSize }

// AllowedFile reports whether name carries a dot and an allowed extension.
func (v *Validator) AllowedFile(name string) bool {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return false
	}
	return v.allowed[strings.ToLower(name[i+1:])]
}

// CheckFile is AllowedFile as an error.
func (v *Validator) CheckFile(name string) error {
	if !v.AllowedFile(name) {
		return fmt.Errorf("%w: file type not allowed: %q", models.ErrValidation, name)
	}
	return nil
}

// ValidateSize accepts 0 < n <= MaxFileSize.
func (v *Validator) ValidateSize(n int64) error {
	if n <= 0 {
		return fmt.Errorf("%w: file is empty", models.ErrValidation)
	}
	if n > v.maxSize {
		return fmt.Errorf("%w: file exceeds %d bytes", models.ErrValidation, v.maxSize)
	}
	return nil
}

// ValidFilename rejects empty names, dot names, reserved characters,
// control characters and names longer than MaxFilenameLength.
func ValidFilename(name string) error {
	switch {
	case name == "" || strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: filename is empty", models.ErrValidation)
	case name == "." || name == "..":
		return fmt.Errorf("%w: invalid filename %q", models.ErrValidation, name)
	case utf8.RuneCountInString(name) > MaxFilenameLength:
		return fmt.Errorf("%w: filename longer than %d characters", models.ErrValidation, MaxFilenameLength)
	}
	for _, r := range name {
		if strings.ContainsRune(invalidChars, r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: filename contains invalid character %q", models.ErrValidation, r)
		}
	}
	return nil
}

// SanitizeFilename replaces invalid characters with '_' and trims leading
// and trailing dots and spaces. It never returns an empty name.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	var b strings.Builder
	for _, r := range name {
		if strings.ContainsRune(invalidChars, r) || unicode.IsControl(r) {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	out := strings.Trim(b.String(), ". ")
	if utf8.RuneCountInString(out) > MaxFilenameLength {
		out = string([]rune(out)[:MaxFilenameLength])
	}
	if out == "" {
		return "unnamed"
	}
	return out
}

// Filename is ValidFilename as an ozzo rule.
var Filename = ozzo.By(func(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if err := ValidFilename(s); err != nil {
		return ozzo.NewError("validation_filename", strings.TrimPrefix(err.Error(), models.ErrValidation.Error()+": "))
	}
	return nil
})

// Wrap tags an ozzo error so callers can match it with models.ErrValidation.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", models.ErrValidation, err)
}

// SearchProfile checks a profile's name and the bounds of its saved query.
func SearchProfile(p *models.SearchProfile) error {
	p.Name = strings.TrimSpace(p.Name)
	if err := ozzo.ValidateStruct(p,
		ozzo.Field(&p.Name, ozzo.Required, ozzo.RuneLength(1, MaxProfileNameLength)),
	); err != nil {
		return Wrap(err)
	}
	q := &p.Query
	if err := ozzo.ValidateStruct(q,
		ozzo.Field(&q.Query, ozzo.RuneLength(0, MaxSearchTextLength)),
		ozzo.Field(&q.MinSize, ozzo.Min(int64(0))),
		ozzo.Field(&q.MaxSize, ozzo.Min(int64(0))),
		ozzo.Field(&q.Limit, ozzo.Min(0), ozzo.Max(models.MaxSearchLimit)),
	); err != nil {
		return Wrap(err)
	}
	switch {
	case q.MinSize > 0 && q.MaxSize > 0 && q.MinSize > q.MaxSize:
		return fmt.Errorf("%w: min_size exceeds max_size", models.ErrValidation)
	case q.From != nil && q.To != nil && q.From.After(*q.To):
		return fmt.Errorf("%w: from is after to", models.ErrValidation)
	}
	return nil
}
