package k8s

import (
	"context"
	"fmt"
	"net/url"
	"sort"

	"github.com/dreschagin/logrelay/internal/discovery"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// DefaultLokiPort is used when the service exposes no ports.
const DefaultLokiPort int32 = 3100

// Port names checked in order before falling back to the first port.
var preferredPortNames = []string{"http-metrics", "http"}

// Resolver discovers the Loki service from the Kubernetes API.
type Resolver struct {
	clientset kubernetes.Interface
	namespace string
	selector  string
}

func NewInClusterResolver(namespace, selector string) (*Resolver, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("build in-cluster config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build kubernetes client: %w", err)
	}

	return NewResolver(clientset, namespace, selector), nil
}

func NewResolver(clientset kubernetes.Interface, namespace, selector string) *Resolver {
	return &Resolver{
		clientset: clientset,
		namespace: namespace,
		selector:  selector,
	}
}

func (r *Resolver) Resolve(ctx context.Context) (discovery.Snapshot, error) {
	lokiURL, err := r.resolveServiceURL(ctx)
	if err != nil {
		return discovery.Snapshot{}, fmt.Errorf("resolve loki service: %w", err)
	}
	return discovery.Snapshot{LokiURL: lokiURL}, nil
}

func (r *Resolver) resolveServiceURL(ctx context.Context) (*url.URL, error) {
	services, err := r.clientset.CoreV1().Services(r.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: r.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("list services by selector %q: %w", r.selector, err)
	}

	if len(services.Items) == 0 {
		return nil, fmt.Errorf("no services found for selector %q", r.selector)
	}

	sort.Slice(services.Items, func(i, j int) bool {
		return services.Items[i].Name < services.Items[j].Name
	})

	svc := services.Items[0]
	port := DefaultLokiPort
	if len(svc.Spec.Ports) > 0 {
		port = svc.Spec.Ports[0].Port
	found:
		for _, name := range preferredPortNames {
			for _, svcPort := range svc.Spec.Ports {
				if svcPort.Name == name {
					port = svcPort.Port
					break found
				}
			}
		}
	}

	host := fmt.Sprintf("%s.%s.svc.cluster.local", svc.Name, r.namespace)
	lokiURL, err := url.Parse(fmt.Sprintf("http://%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("parse loki URL for service %q: %w", svc.Name, err)
	}

	return lokiURL, nil
}
