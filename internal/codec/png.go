package codec

import (
	"context"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/Legion/internal/model"
	"github.com/CZERTAINLY/Legion/internal/parallel"
)

// files are short lived, compression only costs time
var encoder = png.Encoder{CompressionLevel: png.NoCompression}

// ImageSingle stores one image as a PNG file. It accepts a [1, H, W, C]
// batch or a bare [H, W, C] image and always reads back a [1, H, W, C]
// batch.
type ImageSingle struct{}

func (ImageSingle) Type() string     { return TypeImageSingle }
func (ImageSingle) FileBacked() bool { return true }

func (ImageSingle) CanHandle(v any) bool {
	t, ok := v.(*Tensor)
	if !ok || !t.image() {
		return false
	}
	return t.Rank() == 3 || t.Shape[0] == 1
}

func (c ImageSingle) Serialize(_ context.Context, v any, dir, name string) (Payload, error) {
	if !c.CanHandle(v) {
		return Payload{}, fmt.Errorf("%w: %s cannot handle %T", model.ErrUnsupportedType, c.Type(), v)
	}
	t := v.(*Tensor)
	rel := name + "_" + uuid.NewString() + ".png"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Payload{}, err
	}
	if err := writePNG(filepath.Join(dir, rel), t.Frame(0)); err != nil {
		return Payload{}, err
	}
	return Payload{Path: rel}, nil
}

func (ImageSingle) Deserialize(_ context.Context, p Payload, dir string) (any, error) {
	if p.Path == "" {
		return nil, fmt.Errorf("%w: image without path", model.ErrManifest)
	}
	f, err := readPNG(filepath.Join(dir, p.Path))
	if err != nil {
		return nil, err
	}
	return Stack([]*Tensor{f})
}

// ImageBatch stores a [B, H, W, C] batch as a directory of PNG files named
// 0000.png, 0001.png and so on.
type ImageBatch struct{}

func (ImageBatch) Type() string     { return TypeImageBatch }
func (ImageBatch) FileBacked() bool { return true }

func (ImageBatch) CanHandle(v any) bool {
	t, ok := v.(*Tensor)
	return ok && t.image() && t.Rank() == 4 && t.Shape[0] >= 1
}

func (c ImageBatch) Serialize(ctx context.Context, v any, dir, name string) (Payload, error) {
	if !c.CanHandle(v) {
		return Payload{}, fmt.Errorf("%w: %s cannot handle %T", model.ErrUnsupportedType, c.Type(), v)
	}
	t := v.(*Tensor)
	batchDir := filepath.Join(dir, name)
	if err := os.MkdirAll(batchDir, 0o755); err != nil {
		return Payload{}, err
	}
	frames := make([]int, t.Frames())
	for i := range frames {
		frames[i] = i
	}
	_, err := parallel.Slice(ctx, runtime.NumCPU(), frames, func(_ context.Context, _ int, i int) (struct{}, error) {
		return struct{}{}, writePNG(filepath.Join(batchDir, fmt.Sprintf("%04d.png", i)), t.Frame(i))
	})
	if err != nil {
		return Payload{}, err
	}
	return Payload{Path: name}, nil
}

func (ImageBatch) Deserialize(ctx context.Context, p Payload, dir string) (any, error) {
	if p.Path == "" {
		return nil, fmt.Errorf("%w: image batch without path", model.ErrManifest)
	}
	batchDir := filepath.Join(dir, p.Path)
	files, err := filepath.Glob(filepath.Join(batchDir, "*.png"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no png files in %s", model.ErrManifest, batchDir)
	}
	sort.Strings(files)
	frames, err := parallel.Slice(ctx, runtime.NumCPU(), files, func(_ context.Context, _ int, path string) (*Tensor, error) {
		return readPNG(path)
	})
	if err != nil {
		return nil, err
	}
	return Stack(frames)
}

func writePNG(path string, frame *Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encoder.Encode(f, toImage(frame)); err != nil {
		_ = f.Close()
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return f.Close()
}

func readPNG(path string) (*Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrManifest, err)
	}
	defer func() {
		_ = f.Close()
	}()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return fromImage(img), nil
}
