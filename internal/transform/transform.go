// Package transform holds the pluggable image transform and the worker that
// applies it to process requests.
package transform

import (
	"bytes"
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"
	// Extra decoders beyond what imaging registers.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/weiawesome/image-pipeline/internal/domain"
)

// ErrDecode marks input bytes that are not a decodable image.
var ErrDecode = domain.ErrDecode

// Result is the encoded output of a transform.
type Result struct {
	Data        []byte
	ContentType string
}

// Transform maps source bytes to output bytes. Implementations must be
// deterministic so that reprocessing a duplicate request overwrites the
// destination with identical bytes.
type Transform func(src []byte) (Result, error)

// ImageOp is a pure image-to-image function.
type ImageOp func(img image.Image) image.Image

// Encoder writes an image in one format.
type Encoder struct {
	ContentType string
	Encode      func(w io.Writer, img image.Image) error
}

// PNG encodes losslessly with default compression.
var PNG = Encoder{
	ContentType: "image/png",
	Encode: func(w io.Writer, img image.Image) error {
		return imaging.Encode(w, img, imaging.PNG)
	},
}

// NewImageTransform builds a Transform that decodes, applies op and encodes
// with enc.
func NewImageTransform(op ImageOp, enc Encoder) Transform {
	return func(src []byte) (Result, error) {
		img, err := decode(src)
		if err != nil {
			return Result{}, err
		}

		var buf bytes.Buffer
		if err := enc.Encode(&buf, op(img)); err != nil {
			return Result{}, fmt.Errorf("encode %s: %w", enc.ContentType, err)
		}
		return Result{Data: buf.Bytes(), ContentType: enc.ContentType}, nil
	}
}

func decode(src []byte) (image.Image, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}
	img, err := imaging.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// New returns the transform registered under kind.
func New(kind string) (Transform, error) {
	switch kind {
	case "grayscale", "":
		return Grayscale, nil
	case "identity":
		return NewImageTransform(Identity, PNG), nil
	default:
		return nil, fmt.Errorf("unsupported transform kind: %s", kind)
	}
}

// Identity returns img unchanged; paired with an encoder it converts formats.
func Identity(img image.Image) image.Image {
	return img
}
