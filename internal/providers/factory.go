// ABOUTME: Factory for the finding source feeding the enrichment engine.
// ABOUTME: Centralizes the choice between findings files, ECR scans and mock data.

package providers

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/jfeddern/RiskRelay/internal/engine"
	"github.com/jfeddern/RiskRelay/internal/providers/aws"
	"github.com/jfeddern/RiskRelay/internal/providers/local"
	"github.com/jfeddern/RiskRelay/internal/providers/mock"
)

// Finding source modes
const (
	ModeLocal = "local"
	ModeECR   = "ecr"
	ModeMock  = "mock"
)

// ProviderConfig holds configuration for creating the finding source
type ProviderConfig struct {
	Mode          string
	FindingsFile  string
	ImageListFile string
	ECRAccountID  string
	ECRRegion     string
	Namespace     string
	Fs            afero.Fs
}

// CreateFindingSource creates the finding source selected by config.Mode
func CreateFindingSource(ctx context.Context, config *ProviderConfig, logger *logrus.Logger) (engine.FindingSource, error) {
	fs := config.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	switch config.Mode {
	case ModeMock:
		logger.Info("Using mock finding source for testing")
		return NewImageFindingSource(mock.NewMockEKSProvider(logger), mock.NewMockECRSource(logger), logger), nil

	case ModeLocal, "":
		if config.FindingsFile == "" {
			return nil, fmt.Errorf("local mode requires a findings file")
		}
		return local.NewFileSource(fs, config.FindingsFile, logger), nil

	case ModeECR:
		if config.ECRAccountID == "" || config.ECRRegion == "" {
			return nil, fmt.Errorf("ecr mode requires an ECR account id and region")
		}

		discoverer, err := createDiscoverer(fs, config, logger)
		if err != nil {
			return nil, err
		}
		scanner, err := aws.NewECRSource(ctx, config.ECRAccountID, config.ECRRegion, logger)
		if err != nil {
			return nil, err
		}
		return NewImageFindingSource(discoverer, scanner, logger), nil

	default:
		return nil, fmt.Errorf("unsupported mode: %s", config.Mode)
	}
}

// createDiscoverer prefers an image list file and falls back to the cluster
func createDiscoverer(fs afero.Fs, config *ProviderConfig, logger *logrus.Logger) (ImageDiscoverer, error) {
	if config.ImageListFile != "" {
		return local.NewImageListProvider(fs, config.ImageListFile, logger), nil
	}
	return aws.NewEKSProvider(config.Namespace, config.ECRAccountID, logger)
}
