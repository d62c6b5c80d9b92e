// Package kserve locates models served by KServe InferenceServices so they
// can be evaluated through their OpenAI-compatible endpoint.
package kserve

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

var isvcGVR = schema.GroupVersionResource{
	Group:    "serving.kserve.io",
	Version:  "v1beta1",
	Resource: "inferenceservices",
}

// Resolver reads InferenceServices through the dynamic client.
type Resolver struct {
	client       dynamic.Interface
	namespace    string
	readyTimeout time.Duration
}

// NewResolver creates a Resolver from in-cluster credentials or a kubeconfig.
func NewResolver(namespace string, kubeconfig string, inCluster bool) (*Resolver, error) {
	var config *rest.Config
	var err error

	if inCluster {
		config, err = rest.InClusterConfig()
	} else {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		if kubeconfig != "" {
			loadingRules.ExplicitPath = kubeconfig
		}
		config, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			loadingRules, &clientcmd.ConfigOverrides{},
		).ClientConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes config: %w", err)
	}

	client, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	return NewResolverWithClient(client, namespace), nil
}

// NewResolverWithClient creates a Resolver with an existing dynamic client.
func NewResolverWithClient(client dynamic.Interface, namespace string) *Resolver {
	return &Resolver{
		client:    client,
		namespace: namespace,
	}
}

// SetReadyTimeout makes Endpoint wait up to d for a not-yet-ready service.
// Zero disables waiting.
func (r *Resolver) SetReadyTimeout(d time.Duration) {
	r.readyTimeout = d
}

// CheckCRDAvailable verifies that the InferenceService CRD is installed.
func (r *Resolver) CheckCRDAvailable(ctx context.Context) error {
	_, err := r.client.Resource(isvcGVR).Namespace(r.namespace).List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return fmt.Errorf("KServe InferenceService CRD is not available in the cluster: %w", err)
	}
	return nil
}

// List returns the status of every InferenceService in the namespace.
func (r *Resolver) List(ctx context.Context) ([]EndpointStatus, error) {
	list, err := r.client.Resource(isvcGVR).Namespace(r.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list InferenceServices: %w", err)
	}

	statuses := make([]EndpointStatus, 0, len(list.Items))
	for i := range list.Items {
		isvc, err := fromUnstructured(&list.Items[i])
		if err != nil {
			slog.Warn("failed to convert InferenceService", "name", list.Items[i].GetName(), "error", err)
			continue
		}
		statuses = append(statuses, r.status(isvc))
	}
	return statuses, nil
}

// Get returns the status of a single InferenceService.
func (r *Resolver) Get(ctx context.Context, name string) (*EndpointStatus, error) {
	sanitized := sanitizeName(name)
	item, err := r.client.Resource(isvcGVR).Namespace(r.namespace).Get(ctx, sanitized, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get InferenceService %s: %w", sanitized, err)
	}

	isvc, err := fromUnstructured(item)
	if err != nil {
		return nil, fmt.Errorf("failed to convert InferenceService %s: %w", sanitized, err)
	}

	status := r.status(isvc)
	return &status, nil
}

// Endpoint returns the base URL of a ready InferenceService. When a ready
// timeout is configured it waits for readiness, otherwise a not-ready
// service is an error.
func (r *Resolver) Endpoint(ctx context.Context, name string) (string, error) {
	status, err := r.Get(ctx, name)
	if err != nil {
		return "", err
	}
	if status.Ready {
		return status.EndpointURL, nil
	}
	if r.readyTimeout <= 0 {
		return "", fmt.Errorf("InferenceService %s is not ready", status.Name)
	}
	return r.waitForReady(ctx, status.Name)
}

func (r *Resolver) status(isvc *InferenceService) EndpointStatus {
	status := EndpointStatus{
		Name:      isvc.Name,
		CreatedAt: isvc.CreationTimestamp.Format(time.RFC3339),
	}
	if isvc.Status.IsReady() {
		status.Ready = true
		status.EndpointURL = endpointURL(isvc, r.namespace)
	} else if cond := isvc.Status.GetReadyCondition(); cond != nil && cond.Message != "" {
		status.Message = cond.Message
	} else {
		status.Message = "pending"
	}
	return status
}

func (r *Resolver) waitForReady(ctx context.Context, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.readyTimeout)
	defer cancel()

	watcher, err := r.client.Resource(isvcGVR).Namespace(r.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: "metadata.name=" + name,
	})
	if err != nil {
		return "", fmt.Errorf("failed to watch InferenceService: %w", err)
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("timeout waiting for InferenceService %s to become ready", name)
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return "", fmt.Errorf("watch channel closed for InferenceService %s", name)
			}
			if event.Type != watch.Modified && event.Type != watch.Added {
				continue
			}
			obj, ok := event.Object.(*unstructured.Unstructured)
			if !ok {
				continue
			}
			isvc, err := fromUnstructured(obj)
			if err != nil {
				slog.Warn("failed to convert watch event", "error", err)
				continue
			}
			if isvc.Status.IsReady() {
				slog.Info("InferenceService ready", "name", name)
				return endpointURL(isvc, r.namespace), nil
			}
		}
	}
}
