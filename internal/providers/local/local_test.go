// ABOUTME: Tests for the local image list provider.
// ABOUTME: Covers JSON parsing, filtering of empty entries and file errors on an in-memory filesystem.

package local

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestImageListProviderName(t *testing.T) {
	provider := NewImageListProvider(afero.NewMemMapFs(), "images.json", testLogger())
	assert.Equal(t, "image-list", provider.Name())
}

func TestImageListProviderIsRegistryImage(t *testing.T) {
	provider := NewImageListProvider(afero.NewMemMapFs(), "images.json", testLogger())

	tests := []struct {
		name     string
		imageURI string
		expected bool
	}{
		{name: "ECR image", imageURI: "123456789012.dkr.ecr.us-east-1.amazonaws.com/my-app:latest", expected: true},
		{name: "Docker Hub image", imageURI: "nginx:latest", expected: true},
		{name: "Google Container Registry", imageURI: "gcr.io/my-project/my-app:latest", expected: true},
		{name: "empty string", imageURI: "", expected: false},
		{name: "whitespace", imageURI: "   ", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, provider.IsRegistryImage(tt.imageURI))
		})
	}
}

func TestImageListProviderDiscoverImages(t *testing.T) {
	tests := []struct {
		name           string
		fileContent    string
		expectedImages []string
		expectError    bool
	}{
		{
			name: "valid image list",
			fileContent: `[
				"123456789012.dkr.ecr.us-east-1.amazonaws.com/web-app:v1.0.0",
				"123456789012.dkr.ecr.us-east-1.amazonaws.com/api-service:latest",
				"nginx:latest"
			]`,
			expectedImages: []string{
				"123456789012.dkr.ecr.us-east-1.amazonaws.com/web-app:v1.0.0",
				"123456789012.dkr.ecr.us-east-1.amazonaws.com/api-service:latest",
				"nginx:latest",
			},
		},
		{
			name:        "empty image list",
			fileContent: `[]`,
		},
		{
			name:           "empty strings are skipped",
			fileContent:    `["123456789012.dkr.ecr.us-east-1.amazonaws.com/web-app:v1.0.0", "", " nginx:latest "]`,
			expectedImages: []string{"123456789012.dkr.ecr.us-east-1.amazonaws.com/web-app:v1.0.0", "nginx:latest"},
		},
		{
			name:        "object instead of array",
			fileContent: `{"invalid": "json"}`,
			expectError: true,
		},
		{
			name:        "malformed JSON",
			fileContent: `[invalid json`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "/data/images.json", []byte(tt.fileContent), 0o644))

			provider := NewImageListProvider(fs, "/data/images.json", testLogger())
			images, err := provider.DiscoverImages(context.Background())

			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, images)
				return
			}
			require.NoError(t, err)
			require.Len(t, images, len(tt.expectedImages))

			for i, img := range images {
				assert.Equal(t, tt.expectedImages[i], img.URI)
				assert.Equal(t, "local", img.Namespace)
				assert.Equal(t, "local", img.Workload)
				assert.Equal(t, "Local", img.WorkloadType)
			}
		})
	}
}

func TestImageListProviderFileErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data/dir", 0o755))

	for _, path := range []string{"/nonexistent/images.json", "/data/dir"} {
		t.Run(path, func(t *testing.T) {
			provider := NewImageListProvider(fs, path, testLogger())
			images, err := provider.DiscoverImages(context.Background())
			assert.Error(t, err)
			assert.Nil(t, images)
		})
	}
}

func TestImageListProviderCancelledContext(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "images.json", []byte(`["nginx:latest"]`), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewImageListProvider(fs, "images.json", testLogger()).DiscoverImages(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
