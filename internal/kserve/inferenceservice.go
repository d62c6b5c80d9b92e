package kserve

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
)

const (
	apiVersion = "serving.kserve.io/v1beta1"
	kind       = "InferenceService"
)

// EndpointStatus describes where and whether a served model can be reached.
type EndpointStatus struct {
	Name        string `json:"name"`
	Ready       bool   `json:"ready"`
	EndpointURL string `json:"endpoint_url,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
	Message     string `json:"message,omitempty"`
}

func fromUnstructured(obj *unstructured.Unstructured) (*InferenceService, error) {
	isvc := &InferenceService{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, isvc); err != nil {
		return nil, fmt.Errorf("failed to convert unstructured to InferenceService: %w", err)
	}
	return isvc, nil
}

// sanitizeName converts a model name to a valid Kubernetes resource name.
func sanitizeName(name string) string {
	result := make([]byte, 0, len(name))
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
			result = append(result, byte(c))
		case c >= 'A' && c <= 'Z':
			result = append(result, byte(c-'A'+'a'))
		case c == '_', c == '.', c == '/', c == '@':
			result = append(result, '-')
		}
	}

	if len(result) > 0 && (result[0] < 'a' || result[0] > 'z') {
		result = append([]byte("m-"), result...)
	}
	if len(result) > 63 {
		result = result[:63]
	}
	return strings.TrimRight(string(result), "-")
}

// EndpointURL returns the in-cluster OpenAI-compatible URL for an
// InferenceService.
func EndpointURL(name, namespace string) string {
	return fmt.Sprintf("http://%s.%s.svc.cluster.local/v1", sanitizeName(name), namespace)
}

// endpointURL prefers the controller-assigned URL and appends the /v1
// OpenAI prefix when it is missing.
func endpointURL(isvc *InferenceService, namespace string) string {
	u := isvc.Status.URL
	if u == "" && isvc.Status.Address != nil {
		u = isvc.Status.Address.URL
	}
	if u == "" {
		return EndpointURL(isvc.Name, namespace)
	}
	u = strings.TrimRight(u, "/")
	if !strings.HasSuffix(u, "/v1") {
		u += "/v1"
	}
	return u
}
