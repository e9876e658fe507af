// ABOUTME: Provider interfaces for image discovery and image scan findings.
// ABOUTME: Combines a discoverer and a scanner into a finding source for the enrichment engine.

package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jfeddern/RiskRelay/internal/types"
)

// ImageDiscoverer finds the container images whose findings should be enriched
// (EKS workloads, an image list file, mock data)
type ImageDiscoverer interface {
	Name() string
	DiscoverImages(ctx context.Context) ([]types.ImageInfo, error)
	IsRegistryImage(imageURI string) bool
}

// ImageScanner returns the scanner findings recorded for one image
type ImageScanner interface {
	Name() string
	GetImageFindings(ctx context.Context, imageURI string) ([]types.Finding, error)
}

// maxConcurrentScans bounds parallel scanner API calls
const maxConcurrentScans = 10

// ImageFindingSource loads findings by scanning every discovered image
type ImageFindingSource struct {
	discoverer ImageDiscoverer
	scanner    ImageScanner
	logger     *logrus.Logger
}

// NewImageFindingSource creates a finding source from a discoverer and a scanner
func NewImageFindingSource(discoverer ImageDiscoverer, scanner ImageScanner, logger *logrus.Logger) *ImageFindingSource {
	return &ImageFindingSource{
		discoverer: discoverer,
		scanner:    scanner,
		logger:     logger,
	}
}

// Name returns e.g. "aws-eks+aws-ecr"
func (s *ImageFindingSource) Name() string {
	return s.discoverer.Name() + "+" + s.scanner.Name()
}

// LoadFindings discovers images and collects their scan findings. Images whose
// scan fails are logged and skipped; the call only fails if discovery fails
// or every image scan fails.
func (s *ImageFindingSource) LoadFindings(ctx context.Context) ([]types.Finding, error) {
	logger := s.logger.WithField("operation", "load_image_findings")

	images, err := s.discoverer.DiscoverImages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to discover images: %w", err)
	}

	// Several workloads often run the same image
	var uris []string
	seen := make(map[string]bool)
	for _, img := range images {
		if img.URI == "" || seen[img.URI] {
			continue
		}
		seen[img.URI] = true
		uris = append(uris, img.URI)
	}

	logger.WithFields(logrus.Fields{
		"discovered": len(images),
		"unique":     len(uris),
	}).Info("Discovered images")

	perImage := make([][]types.Finding, len(uris))
	var failed int

	// Use semaphore to limit concurrent API calls
	semaphore := make(chan struct{}, maxConcurrentScans)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i, uri := range uris {
		wg.Add(1)
		go func(i int, uri string) {
			defer wg.Done()

			semaphore <- struct{}{}        // Acquire semaphore
			defer func() { <-semaphore }() // Release semaphore

			findings, err := s.scanner.GetImageFindings(ctx, uri)
			if err != nil {
				logger.WithError(err).WithField("image", uri).Error("Failed to get image findings")
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}

			for j := range findings {
				if findings[j].Source == "" {
					findings[j].Source = uri
				}
			}
			perImage[i] = findings
		}(i, uri)
	}

	wg.Wait()

	if len(uris) > 0 && failed == len(uris) {
		return nil, fmt.Errorf("scanning failed for all %d images", failed)
	}

	// Keep discovery order so runs are reproducible
	var findings []types.Finding
	for _, f := range perImage {
		findings = append(findings, f...)
	}

	logger.WithFields(logrus.Fields{
		"images_scanned": len(uris) - failed,
		"images_failed":  failed,
		"findings":       len(findings),
	}).Info("Image findings collected")

	return findings, nil
}
