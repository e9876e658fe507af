// ABOUTME: Mock EKS image discoverer for local testing and demos.
// ABOUTME: Returns a fixed set of cluster workloads without requiring cluster access.

package mock

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jfeddern/RiskRelay/internal/types"
)

// Registry is the account registry every mock image lives in
const Registry = "123456789012.dkr.ecr.us-east-1.amazonaws.com"

// MockEKSProvider implements ImageDiscoverer with canned workloads
type MockEKSProvider struct {
	logger *logrus.Logger
}

// NewMockEKSProvider creates a new mock EKS discoverer
func NewMockEKSProvider(logger *logrus.Logger) *MockEKSProvider {
	return &MockEKSProvider{
		logger: logger,
	}
}

// Name returns the discoverer name
func (m *MockEKSProvider) Name() string {
	return "mock-eks"
}

// DiscoverImages returns images of a small simulated cluster. The web frontend
// runs in two namespaces to exercise deduplication downstream.
func (m *MockEKSProvider) DiscoverImages(ctx context.Context) ([]types.ImageInfo, error) {
	images := []types.ImageInfo{
		{URI: Registry + "/web-frontend:v1.2.3", Namespace: "production", Workload: "web-frontend", WorkloadType: "Deployment"},
		{URI: Registry + "/web-frontend:v1.2.3", Namespace: "staging", Workload: "web-frontend", WorkloadType: "Deployment"},
		{URI: Registry + "/java-api:v2.1.0", Namespace: "production", Workload: "java-api", WorkloadType: "Deployment"},
		{URI: Registry + "/postgres-db:14.9", Namespace: "production", Workload: "postgres-db", WorkloadType: "StatefulSet"},
		{URI: Registry + "/python-worker:dev-abc123", Namespace: "staging", Workload: "python-worker", WorkloadType: "Deployment"},
		{URI: Registry + "/node-frontend:staging", Namespace: "staging", Workload: "node-frontend", WorkloadType: "Deployment"},
		{URI: Registry + "/log-agent:v3.4.1", Namespace: "monitoring", Workload: "log-agent", WorkloadType: "DaemonSet"},
	}

	m.logger.WithField("image_count", len(images)).Info("Mock image discovery completed")
	return images, nil
}

// IsRegistryImage checks for the mock registry
func (m *MockEKSProvider) IsRegistryImage(imageURI string) bool {
	return strings.HasPrefix(imageURI, Registry+"/")
}
