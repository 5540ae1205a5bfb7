package transform

import (
	"image"

	"golang.org/x/image/draw"
)

// Grayscale decodes any supported format and writes a single-channel PNG of
// the same dimensions.
var Grayscale = NewImageTransform(ToGray, PNG)

// ToGray converts img to an 8-bit single-channel image using the ITU-R 601
// luma weights of color.GrayModel. Bounds are preserved.
func ToGray(img image.Image) image.Image {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(b)
	draw.Draw(gray, b, img, b.Min, draw.Src)
	return gray
}
