package api

import (
	"context"

	"github.com/matheus3301/relay/internal/media"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// MediaServer is the server API of relay.v1.MediaService.
type MediaServer interface {
	CacheMedia(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetCachedPath(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Size(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Clear(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// MediaServiceName is the service name without the package prefix.
const MediaServiceName = "MediaService"

// MediaServiceDesc describes relay.v1.MediaService.
var MediaServiceDesc = grpc.ServiceDesc{
	ServiceName: pkg + MediaServiceName,
	HandlerType: (*MediaServer)(nil),
	Methods: []grpc.MethodDesc{
		unary[MediaServer](MediaServiceName, "CacheMedia", MediaServer.CacheMedia),
		unary[MediaServer](MediaServiceName, "GetCachedPath", MediaServer.GetCachedPath),
		unary[MediaServer](MediaServiceName, "Size", MediaServer.Size),
		unary[MediaServer](MediaServiceName, "Clear", MediaServer.Clear),
	},
	Metadata: "relay/v1/media.proto",
}

// MediaService exposes the media cache.
type MediaService struct {
	cache *media.Cache
}

var _ MediaServer = (*MediaService)(nil)

// NewMediaService creates a media service.
func NewMediaService(cache *media.Cache) *MediaService {
	return &MediaService{cache: cache}
}

func (s *MediaService) CacheMedia(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	url := str(in, "url")
	if url == "" {
		return nil, invalid("url is required")
	}
	path, ok := s.cache.CacheMedia(ctx, url, str(in, "mime"))
	return reply(map[string]any{"path": path, "ok": ok})
}

func (s *MediaService) GetCachedPath(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	path, ok := s.cache.GetCachedMediaPath(ctx, str(in, "url"))
	return reply(map[string]any{"path": path, "ok": ok})
}

func (s *MediaService) Size(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	size, err := s.cache.Size(ctx)
	if err != nil {
		return nil, toStatus("media size", err)
	}
	return reply(map[string]any{"bytes": size})
}

func (s *MediaService) Clear(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.cache.Clear(ctx); err != nil {
		return nil, toStatus("clear media", err)
	}
	return reply(nil)
}
