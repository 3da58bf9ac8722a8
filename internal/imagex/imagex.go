// Package imagex is the decode capability the object cache is built with in
// the nmbcache binary: it checks that a payload is a known image and keeps
// the bytes with their format and dimensions.
package imagex

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
)

var ErrEmpty = errors.New("empty image")

// Image is an undecoded image payload plus its header information.
type Image struct {
	Bytes       []byte
	Format      string
	ContentType string
	Width       int
	Height      int
}

// Helper implements cache.Helper[*Image].
type Helper struct{}

func (Helper) Decode(b []byte) (*Image, error) {
	if len(b) == 0 {
		return nil, ErrEmpty
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", cfg.Width, cfg.Height)
	}
	return &Image{
		Bytes:       b,
		Format:      format,
		ContentType: http.DetectContentType(b),
		Width:       cfg.Width,
		Height:      cfg.Height,
	}, nil
}

// Size accounts an image by its payload.
func (Helper) Size(img *Image) int64 {
	if img == nil {
		return 0
	}
	return int64(len(img.Bytes))
}
