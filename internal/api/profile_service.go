package api

import (
	"context"

	"github.com/matheus3301/relay/internal/profile"
	"github.com/matheus3301/relay/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProfileServer is the server API of relay.v1.ProfileService.
type ProfileServer interface {
	GetProfile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetProfiles(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Invalidate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// ProfileServiceName is the service name without the package prefix.
const ProfileServiceName = "ProfileService"

// ProfileServiceDesc describes relay.v1.ProfileService.
var ProfileServiceDesc = grpc.ServiceDesc{
	ServiceName: pkg + ProfileServiceName,
	HandlerType: (*ProfileServer)(nil),
	Methods: []grpc.MethodDesc{
		unary[ProfileServer](ProfileServiceName, "GetProfile", ProfileServer.GetProfile),
		unary[ProfileServer](ProfileServiceName, "GetProfiles", ProfileServer.GetProfiles),
		unary[ProfileServer](ProfileServiceName, "Invalidate", ProfileServer.Invalidate),
	},
	Metadata: "relay/v1/profile.proto",
}

// ProfileService exposes the profile cache.
type ProfileService struct {
	cache *profile.Cache
}

var _ ProfileServer = (*ProfileService)(nil)

// NewProfileService creates a profile service.
func NewProfileService(cache *profile.Cache) *ProfileService {
	return &ProfileService{cache: cache}
}

func (s *ProfileService) GetProfile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := str(in, "user_id")
	if id == "" {
		return nil, invalid("user_id is required")
	}
	p, err := s.cache.GetProfile(ctx, id)
	if err != nil {
		return nil, toStatus("get profile", err)
	}
	return reply(map[string]any{"profile": profileFields(p)})
}

func (s *ProfileService) GetProfiles(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ids := strList(in, "user_ids")
	profiles, err := s.cache.GetProfiles(ctx, ids)
	if err != nil {
		return nil, toStatus("get profiles", err)
	}
	found := make(map[string]any, len(profiles))
	for id, p := range profiles {
		found[id] = profileFields(p)
	}
	return reply(map[string]any{"profiles": found})
}

// Invalidate drops one profile, or all of them when "all" is set.
func (s *ProfileService) Invalidate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	deleteAvatar := flag(in, "delete_avatar")
	if flag(in, "all") {
		if err := s.cache.InvalidateAll(ctx, deleteAvatar); err != nil {
			return nil, toStatus("invalidate", err)
		}
		return reply(nil)
	}
	id := str(in, "user_id")
	if id == "" {
		return nil, invalid("user_id or all is required")
	}
	if err := s.cache.Invalidate(ctx, id, deleteAvatar); err != nil {
		return nil, toStatus("invalidate", err)
	}
	return reply(nil)
}

func profileFields(p *store.Profile) map[string]any {
	return map[string]any{
		"user_id":           p.UserID,
		"username":          p.Username,
		"display_name":      p.DisplayName,
		"bio":               p.Bio,
		"avatar_url":        p.AvatarURL,
		"avatar_local_path": p.AvatarLocalPath,
		"last_seen":         p.LastSeen,
		"cached_at":         p.CachedAt,
	}
}
