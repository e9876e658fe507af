// ABOUTME: Container image references used by the image-scan finding sources.
// ABOUTME: Parses registry image URIs into repository and tag or digest.

package types

import (
	"fmt"
	"strings"
)

// ImageInfo is a container image discovered in a cluster or an image list
type ImageInfo struct {
	URI          string `json:"uri"`
	Namespace    string `json:"namespace,omitempty"`
	Workload     string `json:"workload,omitempty"`
	WorkloadType string `json:"workload_type,omitempty"`
}

// ImageRef is a parsed image URI. Exactly one of Tag and Digest is set.
type ImageRef struct {
	Registry   string
	Repository string
	Tag        string
	Digest     string
}

// ParseImageURI splits registry/repository:tag or registry/repository@digest.
// A registry host is required.
func ParseImageURI(imageURI string) (ImageRef, error) {
	registry, rest, ok := strings.Cut(strings.TrimSpace(imageURI), "/")
	if !ok || registry == "" || rest == "" {
		return ImageRef{}, fmt.Errorf("invalid image URI format: %s", imageURI)
	}

	ref := ImageRef{Registry: registry}
	if repo, digest, ok := strings.Cut(rest, "@"); ok {
		if repo == "" || digest == "" {
			return ImageRef{}, fmt.Errorf("invalid image URI format: %s", imageURI)
		}
		ref.Repository, ref.Digest = repo, digest
		return ref, nil
	}

	i := strings.LastIndex(rest, ":")
	if i <= 0 || i == len(rest)-1 {
		return ImageRef{}, fmt.Errorf("invalid image URI format, missing tag: %s", imageURI)
	}
	ref.Repository, ref.Tag = rest[:i], rest[i+1:]
	return ref, nil
}
