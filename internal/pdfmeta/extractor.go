// Package pdfmeta derives display metadata (page count, first-page thumbnail)
// from raw PDF bytes. It performs no I/O and holds no state, so extraction is
// safe to fan out across goroutines.
package pdfmeta

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"

	_ "image/gif"
	_ "image/jpeg"

	ledongthuc "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/image/draw"
)

// Thumbnail render target in logical pixels. The scaled image fits inside
// this box preserving aspect ratio.
const (
	ThumbnailWidth  = 200
	ThumbnailHeight = 280
)

// ErrInvalidDocument means the bytes do not parse as a PDF or the document
// has no pages. Callers treat missing metadata as retryable, so this is
// informational rather than fatal.
var ErrInvalidDocument = errors.New("bytes are not a valid PDF document")

// Metadata is the result of a successful extraction. Thumbnail is encoded
// PNG, or nil when the first page carries no extractable image.
type Metadata struct {
	PageCount int
	Thumbnail []byte
}

// Extract parses the given bytes and returns the page count plus a scaled
// first-page thumbnail. The bytes may be a structurally-complete prefix of a
// larger file; pdfcpu's relaxed validation can often still resolve the page
// tree, and when it cannot the caller simply retries with more bytes later.
func Extract(data []byte) (Metadata, error) {
	if len(data) == 0 {
		return Metadata{}, ErrInvalidDocument
	}

	pageCount, err := pageCount(data)
	if err != nil {
		return Metadata{}, err
	}
	if pageCount == 0 {
		return Metadata{}, fmt.Errorf("document has zero pages: %w", ErrInvalidDocument)
	}

	// Thumbnail extraction is strictly best-effort: a page count alone is
	// still a useful result.
	thumb, err := firstPageThumbnail(data)
	if err != nil {
		thumb = nil
	}
	return Metadata{PageCount: pageCount, Thumbnail: thumb}, nil
}

// pageCount tries the lightweight in-memory reader first and falls back to
// pdfcpu's relaxed parser, which can repair a damaged or truncated xref.
func pageCount(data []byte) (count int, err error) {
	// ledongthuc/pdf panics on some malformed inputs rather than returning
	// an error, so the fast path is fenced off.
	count, fastErr := func() (n int, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("pdf reader panic: %v", r)
			}
		}()
		reader, err := ledongthuc.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return 0, err
		}
		return reader.NumPage(), nil
	}()
	if fastErr == nil && count > 0 {
		return count, nil
	}

	count, err = api.PageCount(bytes.NewReader(data), relaxedConfiguration())
	if err != nil {
		return 0, fmt.Errorf("%v: %w", err, ErrInvalidDocument)
	}
	return count, nil
}

// firstPageThumbnail pulls the largest embedded image off page one and scales
// it to fit the thumbnail box.
func firstPageThumbnail(data []byte) ([]byte, error) {
	extracted, err := api.ExtractImagesRaw(bytes.NewReader(data), []string{"1"}, relaxedConfiguration())
	if err != nil {
		return nil, fmt.Errorf("extract page images: %w", err)
	}

	var best image.Image
	for _, pageImages := range extracted {
		for _, img := range pageImages {
			decoded, _, decodeErr := image.Decode(img)
			if decodeErr != nil {
				continue
			}
			if best == nil || area(decoded) > area(best) {
				best = decoded
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("page 1 has no decodable image")
	}

	scaled := scaleToFit(best, ThumbnailWidth, ThumbnailHeight)
	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

func relaxedConfiguration() *model.Configuration {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return cfg
}

func area(img image.Image) int {
	b := img.Bounds()
	return b.Dx() * b.Dy()
}

// scaleToFit downscales src to fit inside maxW×maxH preserving aspect ratio.
// Images already inside the box pass through untouched.
func scaleToFit(src image.Image, maxW, maxH int) image.Image {
	b := src.Bounds()
	if b.Dx() <= maxW && b.Dy() <= maxH {
		return src
	}
	ratioW := float64(maxW) / float64(b.Dx())
	ratioH := float64(maxH) / float64(b.Dy())
	ratio := ratioW
	if ratioH < ratio {
		ratio = ratioH
	}
	w := int(float64(b.Dx()) * ratio)
	h := int(float64(b.Dy()) * ratio)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
