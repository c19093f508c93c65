// Package codec turns values exchanged with workers into manifest entries
// and back. Small values are stored inline, images are written as PNG
// files next to the manifest.
package codec

import (
	"context"
)

// Type tags stored in manifests.
const (
	TypeImageBatch  = "image_batch"
	TypeImageSingle = "image_single"
	TypePrimitive   = "primitive"
)

// Payload is the serialized form of one value: either Value for inline
// codecs or Path, relative to the manifest directory, for file backed ones.
type Payload struct {
	Value any
	Path  string
}

type Codec interface {
	// Type is the tag stored in the manifest.
	Type() string
	// FileBacked codecs write files and return a Path payload.
	FileBacked() bool
	CanHandle(v any) bool
	// Serialize stores v, file backed codecs write below dir using name
	// as a base for the file or directory name.
	Serialize(ctx context.Context, v any, dir, name string) (Payload, error)
	// Deserialize reverses Serialize, p.Path is resolved against dir.
	Deserialize(ctx context.Context, p Payload, dir string) (any, error)
}

// Registry dispatches values to codecs. Codecs are tried in registration
// order, so the more specific ones must come first.
type Registry struct {
	codecs []Codec
	byType map[string]Codec
}

func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{
		codecs: codecs,
		byType: make(map[string]Codec, len(codecs)),
	}
	for _, c := range codecs {
		r.byType[c.Type()] = c
	}
	return r
}

// Default returns the registry with image batch, single image and
// primitive codecs, in this order.
func Default() *Registry {
	return NewRegistry(
		ImageBatch{},
		ImageSingle{},
		Primitive{},
	)
}

// For returns the first codec able to handle v.
func (r *Registry) For(v any) (Codec, bool) {
	for _, c := range r.codecs {
		if c.CanHandle(v) {
			return c, true
		}
	}
	return nil, false
}

// ByType returns the codec registered for a manifest type tag.
func (r *Registry) ByType(tag string) (Codec, bool) {
	c, ok := r.byType[tag]
	return c, ok
}

// Types lists registered type tags in dispatch order.
func (r *Registry) Types() []string {
	ret := make([]string, len(r.codecs))
	for i, c := range r.codecs {
		ret[i] = c.Type()
	}
	return ret
}
