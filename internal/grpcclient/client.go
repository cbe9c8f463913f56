// Package grpcclient talks to the face model sidecar. The service exchanges
// protobuf well-known types only, so no generated stubs are required:
//
//	service facerec.v1.FaceProcessor {
//	  rpc Detect(google.protobuf.BytesValue) returns (google.protobuf.ListValue); // [[x1,y1,x2,y2,score], ...]
//	  rpc Embed(google.protobuf.BytesValue) returns (google.protobuf.ListValue);  // [f0, f1, ...]
//	}
package grpcclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/face-recognition/internal/embedding"
	"github.com/example/face-recognition/internal/faceprocessor"
	"github.com/example/face-recognition/internal/logging"
)

const (
	DetectMethod = "/facerec.v1.FaceProcessor/Detect"
	EmbedMethod  = "/facerec.v1.FaceProcessor/Embed"
)

// DialFaceProcessor returns a ready-to-use client for the model sidecar.
func DialFaceProcessor(ctx context.Context, addr string, logger *zap.Logger) (*FaceProcessor, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_face_processor", "", err)
		logger.Error("failed to dial face processor", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewFaceProcessor(conn, logger), conn, nil
}

// FaceProcessor implements faceprocessor.Detector and faceprocessor.Embedder
// on top of a gRPC connection. It is safe for concurrent use.
type FaceProcessor struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

// NewFaceProcessor wraps an existing connection.
func NewFaceProcessor(conn grpc.ClientConnInterface, logger *zap.Logger) *FaceProcessor {
	return &FaceProcessor{conn: conn, logger: logger.Named("face_processor")}
}

// Detect returns the face boxes found in frame.
func (p *FaceProcessor) Detect(ctx context.Context, frame *faceprocessor.Frame) ([]faceprocessor.Box, error) {
	data, err := frame.JPEG()
	if err != nil {
		return nil, err
	}

	resp := &structpb.ListValue{}
	if err := p.conn.Invoke(ctx, DetectMethod, wrapperspb.Bytes(data), resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.detect", "", err)
		p.logger.Error("detect call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	boxes := make([]faceprocessor.Box, 0, len(resp.Values))
	for i, v := range resp.Values {
		box, err := parseBox(v)
		if err != nil {
			return nil, fmt.Errorf("detect response box %d: %w", i, err)
		}
		boxes = append(boxes, box)
	}
	return boxes, nil
}

func parseBox(v *structpb.Value) (faceprocessor.Box, error) {
	list := v.GetListValue()
	if list == nil || len(list.Values) < 4 {
		return faceprocessor.Box{}, fmt.Errorf("want [x1,y1,x2,y2(,score)], got %v", v)
	}
	nums := make([]float64, len(list.Values))
	for i, x := range list.Values {
		n, ok := x.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return faceprocessor.Box{}, fmt.Errorf("component %d is not a number", i)
		}
		nums[i] = n.NumberValue
	}
	box := faceprocessor.Box{
		X1: int(nums[0]),
		Y1: int(nums[1]),
		X2: int(nums[2]),
		Y2: int(nums[3]),
	}
	if len(nums) > 4 {
		box.Score = nums[4]
	}
	return box, nil
}

// Embed returns the embedding of the face in frame, or nil when the sidecar
// finds no face.
func (p *FaceProcessor) Embed(ctx context.Context, frame *faceprocessor.Frame) (embedding.Vector, error) {
	data, err := frame.JPEG()
	if err != nil {
		return nil, err
	}

	resp := &structpb.ListValue{}
	if err := p.conn.Invoke(ctx, EmbedMethod, wrapperspb.Bytes(data), resp); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		wrapped := logging.NewOperationError("grpcclient.embed", "", err)
		p.logger.Error("embed call failed", zap.Error(wrapped))
		return nil, wrapped
	}
	if len(resp.Values) == 0 {
		return nil, nil
	}

	vec := make(embedding.Vector, len(resp.Values))
	for i, x := range resp.Values {
		n, ok := x.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("embed response component %d is not a number", i)
		}
		vec[i] = float32(n.NumberValue)
	}
	return vec, nil
}
