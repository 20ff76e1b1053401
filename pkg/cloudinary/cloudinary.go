package cloudinary

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config contains credentials required to talk to Cloudinary.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Service implements the chat blob store using Cloudinary.
type Service struct {
	client *cloudinary.Cloudinary
	folder string
	logger zerolog.Logger
}

// New constructs a Cloudinary service instance.
func New(cfg Config, logger zerolog.Logger) (*Service, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}

	return &Service{
		client: cld,
		folder: strings.Trim(cfg.Folder, "/"),
		logger: logger.With().Str("component", "cloudinary").Logger(),
	}, nil
}

// Upload stores the object under path and returns its stable secure URL.
func (s *Service) Upload(ctx context.Context, path string, reader io.Reader) (string, error) {
	params := uploader.UploadParams{
		PublicID:     s.publicID(path),
		ResourceType: resourceType(path),
	}

	result, err := s.client.Upload.Upload(ctx, reader, params)
	if err != nil {
		return "", fmt.Errorf("failed to upload asset: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("failed to upload asset: %s", result.Error.Message)
	}

	s.logger.Info().Str("public_id", result.PublicID).Msg("file uploaded to cloudinary")

	return result.SecureURL, nil
}

// Delete removes the object stored under path.
func (s *Service) Delete(ctx context.Context, path string) error {
	result, err := s.client.Upload.Destroy(ctx, uploader.DestroyParams{
		PublicID:     s.publicID(path),
		ResourceType: resourceType(path),
	})
	if err != nil {
		return fmt.Errorf("failed to delete asset: %w", err)
	}
	if result.Error.Message != "" {
		return fmt.Errorf("failed to delete asset: %s", result.Error.Message)
	}

	s.logger.Info().Str("path", path).Str("result", result.Result).Msg("file removed from cloudinary")
	return nil
}

func (s *Service) publicID(path string) string {
	path = strings.Trim(path, "/")
	if s.folder == "" {
		return path
	}
	return s.folder + "/" + path
}

// ObjectPath builds a collision resistant object path namespaced by media kind:
// chat/<kind>/<random token>-<unix seconds>.
func ObjectPath(kind string, now time.Time) string {
	kind = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, strings.ToLower(strings.TrimSpace(kind)))
	kind = strings.Trim(kind, "-")
	if kind == "" {
		kind = "file"
	}

	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("chat/%s/%s-%d", kind, token, now.Unix())
}

func resourceType(path string) string {
	switch {
	case strings.HasPrefix(path, "chat/image/"):
		return "image"
	case strings.HasPrefix(path, "chat/audio/"), strings.HasPrefix(path, "chat/video/"):
		return "video"
	case strings.HasPrefix(path, "chat/"):
		return "raw"
	default:
		return "auto"
	}
}
