// ABOUTME: EKS image discoverer that lists ECR images run by Kubernetes workloads.
// ABOUTME: Walks deployments, statefulsets, daemonsets and cronjobs through the Kubernetes API.

package aws

import (
	"context"
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/jfeddern/RiskRelay/internal/types"
)

var ecrImagePattern = regexp.MustCompile(`^(\d{12})\.dkr\.ecr\.([a-z0-9-]+)\.amazonaws\.com(\.cn)?/`)

// EKSProvider implements ImageDiscoverer for Amazon EKS
type EKSProvider struct {
	clientset kubernetes.Interface
	namespace string
	accountID string
	logger    *logrus.Logger
}

// NewEKSProvider connects to the cluster, in-cluster first and kubeconfig
// second. accountID restricts discovery to one registry when set.
func NewEKSProvider(namespace, accountID string, logger *logrus.Logger) (*EKSProvider, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		logger.Info("In-cluster config not available, trying kubeconfig")
		config, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}

	logger.Info("Successfully connected to EKS cluster")
	return NewEKSProviderWithClientset(clientset, namespace, accountID, logger), nil
}

// NewEKSProviderWithClientset creates a discoverer on top of an existing clientset
func NewEKSProviderWithClientset(clientset kubernetes.Interface, namespace, accountID string, logger *logrus.Logger) *EKSProvider {
	return &EKSProvider{
		clientset: clientset,
		namespace: namespace,
		accountID: accountID,
		logger:    logger,
	}
}

// Name returns the provider name
func (e *EKSProvider) Name() string {
	return "aws-eks"
}

// IsRegistryImage reports whether imageURI lives in ECR, and in the
// configured account if there is one
func (e *EKSProvider) IsRegistryImage(imageURI string) bool {
	m := ecrImagePattern.FindStringSubmatch(imageURI)
	if m == nil {
		return false
	}
	return e.accountID == "" || m[1] == e.accountID
}

// workloadLister lists one kind of workload as (namespace, name, pod spec)
type workloadLister struct {
	kind string
	list func(ctx context.Context, namespace string) ([]workload, error)
}

type workload struct {
	namespace string
	name      string
	spec      corev1.PodSpec
}

func (e *EKSProvider) listers() []workloadLister {
	apps := e.clientset.AppsV1()
	batch := e.clientset.BatchV1()

	return []workloadLister{
		{kind: "Deployment", list: func(ctx context.Context, ns string) ([]workload, error) {
			items, err := apps.Deployments(ns).List(ctx, metav1.ListOptions{})
			if err != nil {
				return nil, err
			}
			out := make([]workload, 0, len(items.Items))
			for _, d := range items.Items {
				out = append(out, workload{d.Namespace, d.Name, d.Spec.Template.Spec})
			}
			return out, nil
		}},
		{kind: "StatefulSet", list: func(ctx context.Context, ns string) ([]workload, error) {
			items, err := apps.StatefulSets(ns).List(ctx, metav1.ListOptions{})
			if err != nil {
				return nil, err
			}
			out := make([]workload, 0, len(items.Items))
			for _, s := range items.Items {
				out = append(out, workload{s.Namespace, s.Name, s.Spec.Template.Spec})
			}
			return out, nil
		}},
		{kind: "DaemonSet", list: func(ctx context.Context, ns string) ([]workload, error) {
			items, err := apps.DaemonSets(ns).List(ctx, metav1.ListOptions{})
			if err != nil {
				return nil, err
			}
			out := make([]workload, 0, len(items.Items))
			for _, d := range items.Items {
				out = append(out, workload{d.Namespace, d.Name, d.Spec.Template.Spec})
			}
			return out, nil
		}},
		{kind: "CronJob", list: func(ctx context.Context, ns string) ([]workload, error) {
			items, err := batch.CronJobs(ns).List(ctx, metav1.ListOptions{})
			if err != nil {
				return nil, err
			}
			out := make([]workload, 0, len(items.Items))
			for _, c := range items.Items {
				out = append(out, workload{c.Namespace, c.Name, c.Spec.JobTemplate.Spec.Template.Spec})
			}
			return out, nil
		}},
	}
}

// DiscoverImages lists the ECR images used by cluster workloads. The same
// image can appear once per workload using it.
func (e *EKSProvider) DiscoverImages(ctx context.Context) ([]types.ImageInfo, error) {
	logger := e.logger.WithFields(logrus.Fields{
		"operation": "discover_images",
		"namespace": e.namespace,
	})

	var images []types.ImageInfo
	for _, lister := range e.listers() {
		workloads, err := lister.list(ctx, e.namespace)
		if err != nil {
			logger.WithError(err).WithField("resource_type", lister.kind).Error("Failed to list workloads")
			return nil, fmt.Errorf("failed to list %ss: %w", lister.kind, err)
		}

		logger.WithFields(logrus.Fields{
			"resource_type":  lister.kind,
			"workload_count": len(workloads),
		}).Debug("Processing workloads")

		for _, w := range workloads {
			images = append(images, e.extractImagesFromPodSpec(w.spec, w.namespace, w.name, lister.kind)...)
		}
	}

	logger.WithField("image_count", len(images)).Info("Image discovery completed")
	return images, nil
}

func (e *EKSProvider) extractImagesFromPodSpec(podSpec corev1.PodSpec, namespace, workload, workloadType string) []types.ImageInfo {
	var uris []string
	for _, c := range podSpec.InitContainers {
		uris = append(uris, c.Image)
	}
	for _, c := range podSpec.Containers {
		uris = append(uris, c.Image)
	}
	for _, c := range podSpec.EphemeralContainers {
		uris = append(uris, c.Image)
	}

	var images []types.ImageInfo
	seen := make(map[string]bool)
	for _, uri := range uris {
		if seen[uri] || !e.IsRegistryImage(uri) {
			continue
		}
		seen[uri] = true
		images = append(images, types.ImageInfo{
			URI:          uri,
			Namespace:    namespace,
			Workload:     workload,
			WorkloadType: workloadType,
		})
	}
	return images
}
