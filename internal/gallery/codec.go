package gallery

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/face-recognition/internal/embedding"
)

const codecVersion = 1

// ErrCorrupt is returned when a stored gallery blob cannot be decoded.
var ErrCorrupt = errors.New("gallery blob is corrupt")

// Marshal encodes g as a protobuf Struct:
//
//	{version: 1, dim: N, prototypes: {identity: [f0, f1, ...]}}
//
// float32 components survive the float64 round trip exactly.
func Marshal(g Gallery) ([]byte, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	prototypes := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(g))}
	for id, v := range g {
		values := make([]*structpb.Value, len(v))
		for i, x := range v {
			values[i] = structpb.NewNumberValue(float64(x))
		}
		prototypes.Fields[id] = structpb.NewListValue(&structpb.ListValue{Values: values})
	}

	root := &structpb.Struct{Fields: map[string]*structpb.Value{
		"version":    structpb.NewNumberValue(codecVersion),
		"dim":        structpb.NewNumberValue(float64(g.Dim())),
		"prototypes": structpb.NewStructValue(prototypes),
	}}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("marshal gallery: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a blob written by Marshal.
func Unmarshal(data []byte) (Gallery, error) {
	var root structpb.Struct
	if err := proto.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if v := root.Fields["version"].GetNumberValue(); v != codecVersion {
		return nil, fmt.Errorf("%w: unsupported version %v", ErrCorrupt, v)
	}
	dim := int(root.Fields["dim"].GetNumberValue())
	prototypes := root.Fields["prototypes"].GetStructValue()
	if prototypes == nil {
		return nil, fmt.Errorf("%w: missing prototypes", ErrCorrupt)
	}

	g := make(Gallery, len(prototypes.Fields))
	for id, value := range prototypes.Fields {
		list := value.GetListValue()
		if list == nil {
			return nil, fmt.Errorf("%w: prototype %q is not a list", ErrCorrupt, id)
		}
		if len(list.Values) != dim {
			return nil, fmt.Errorf("%w: prototype %q has %d components, want %d", ErrCorrupt, id, len(list.Values), dim)
		}
		vec := make(embedding.Vector, dim)
		for i, x := range list.Values {
			n, ok := x.GetKind().(*structpb.Value_NumberValue)
			if !ok || math.IsNaN(n.NumberValue) {
				return nil, fmt.Errorf("%w: prototype %q component %d is not a number", ErrCorrupt, id, i)
			}
			vec[i] = float32(n.NumberValue)
		}
		g[id] = vec
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return g, nil
}
