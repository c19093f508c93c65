package codec

import (
	"fmt"
	"image"
	"image/color"
	"math"
)

// Tensor is a dense row major float32 array. Images use
// [batch, height, width, channels] or [height, width, channels] with
// values in [0, 1].
type Tensor struct {
	Shape []int
	Data  []float32
}

func NewTensor(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, n),
	}
}

func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Valid reports whether Data matches Shape.
func (t *Tensor) Valid() bool {
	if t == nil || len(t.Shape) == 0 {
		return false
	}
	n := 1
	for _, d := range t.Shape {
		if d <= 0 {
			return false
		}
		n *= d
	}
	return n == len(t.Data)
}

// image reports whether t is a valid image or image batch with 3 or 4
// channels.
func (t *Tensor) image() bool {
	if !t.Valid() {
		return false
	}
	if t.Rank() != 3 && t.Rank() != 4 {
		return false
	}
	c := t.Shape[t.Rank()-1]
	return c == 3 || c == 4
}

// Frames returns the number of images, 1 for a rank 3 tensor.
func (t *Tensor) Frames() int {
	if t.Rank() == 4 {
		return t.Shape[0]
	}
	return 1
}

// Frame returns image i as a [height, width, channels] tensor sharing
// t's data.
func (t *Tensor) Frame(i int) *Tensor {
	if t.Rank() == 3 {
		return t
	}
	h, w, c := t.Shape[1], t.Shape[2], t.Shape[3]
	size := h * w * c
	return &Tensor{
		Shape: []int{h, w, c},
		Data:  t.Data[i*size : (i+1)*size],
	}
}

// Stack joins equally shaped [height, width, channels] frames into a batch.
func Stack(frames []*Tensor) (*Tensor, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("stack: no frames")
	}
	first := frames[0].Shape
	out := NewTensor(len(frames), first[0], first[1], first[2])
	size := len(frames[0].Data)
	for i, f := range frames {
		if f.Rank() != 3 || f.Shape[0] != first[0] || f.Shape[1] != first[1] || f.Shape[2] != first[2] {
			return nil, fmt.Errorf("stack: frame %d has shape %v, expected %v", i, f.Shape, first)
		}
		copy(out.Data[i*size:], f.Data)
	}
	return out, nil
}

func toByte(v float32) uint8 {
	if math.IsNaN(float64(v)) {
		return 0
	}
	x := math.Round(float64(v) * 255)
	switch {
	case x < 0:
		return 0
	case x > 255:
		return 255
	}
	return uint8(x)
}

// alphaImage is always encoded with an alpha channel, even when every
// pixel is opaque, so the channel count survives a round trip.
type alphaImage struct {
	*image.NRGBA
}

func (alphaImage) Opaque() bool {
	return false
}

// toImage converts a [height, width, channels] frame.
func toImage(f *Tensor) image.Image {
	h, w, c := f.Shape[0], f.Shape[1], f.Shape[2]
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			src := f.Data[(y*w+x)*c:]
			dst := img.Pix[y*img.Stride+x*4:]
			dst[0] = toByte(src[0])
			dst[1] = toByte(src[1])
			dst[2] = toByte(src[2])
			if c == 4 {
				dst[3] = toByte(src[3])
			} else {
				dst[3] = 0xff
			}
		}
	}
	if c == 4 {
		return alphaImage{img}
	}
	return img
}

// fromImage converts a decoded image. Images carrying an alpha channel
// become 4 channel frames, the others 3 channel ones.
func fromImage(img image.Image) *Tensor {
	c := 3
	switch m := img.(type) {
	case *image.NRGBA, *image.NRGBA64:
		c = 4
	case interface{ Opaque() bool }:
		if !m.Opaque() {
			c = 4
		}
	}
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	f := NewTensor(h, w, c)
	for y := range h {
		for x := range w {
			px := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			dst := f.Data[(y*w+x)*c:]
			dst[0] = float32(px.R) / 255
			dst[1] = float32(px.G) / 255
			dst[2] = float32(px.B) / 255
			if c == 4 {
				dst[3] = float32(px.A) / 255
			}
		}
	}
	return f
}
