// ABOUTME: Local image list provider for running the ECR scanner without cluster access.
// ABOUTME: Reads container image URIs from a JSON file on the configured filesystem.

package local

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/jfeddern/RiskRelay/internal/types"
)

// ImageListProvider discovers images from a JSON array of image URIs
type ImageListProvider struct {
	fs            afero.Fs
	imageListFile string
	logger        *logrus.Logger
}

// NewImageListProvider creates a provider reading imageListFile from fs
func NewImageListProvider(fs afero.Fs, imageListFile string, logger *logrus.Logger) *ImageListProvider {
	return &ImageListProvider{
		fs:            fs,
		imageListFile: imageListFile,
		logger:        logger,
	}
}

// Name returns the provider name
func (l *ImageListProvider) Name() string {
	return "image-list"
}

// IsRegistryImage accepts any non-empty image URI
func (l *ImageListProvider) IsRegistryImage(imageURI string) bool {
	return strings.TrimSpace(imageURI) != ""
}

// DiscoverImages reads container images from the image list file
func (l *ImageListProvider) DiscoverImages(ctx context.Context) ([]types.ImageInfo, error) {
	logger := l.logger.WithFields(logrus.Fields{
		"operation": "discover_images_local",
		"file":      l.imageListFile,
	})

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(l.fs, l.imageListFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read image list file '%s': %w", l.imageListFile, err)
	}

	var imageURIs []string
	if err := json.Unmarshal(data, &imageURIs); err != nil {
		return nil, fmt.Errorf("failed to parse image list JSON: %w", err)
	}

	var images []types.ImageInfo
	for _, uri := range imageURIs {
		uri = strings.TrimSpace(uri)
		if !l.IsRegistryImage(uri) {
			continue
		}
		images = append(images, types.ImageInfo{
			URI:          uri,
			Namespace:    "local",
			Workload:     "local",
			WorkloadType: "Local",
		})
	}

	logger.WithFields(logrus.Fields{
		"listed":       len(imageURIs),
		"valid_images": len(images),
	}).Info("Local image discovery completed")
	return images, nil
}
