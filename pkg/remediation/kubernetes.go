package remediation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// NewKubernetesClient builds a clientset, preferring in-cluster credentials
// and falling back to kubeconfig resolution.
func NewKubernetesClient(kubeconfigPath string) (kubernetes.Interface, error) {
	config, err := kubernetesConfig(kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get kubernetes config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return clientset, nil
}

func kubernetesConfig(kubeconfigPath string) (*rest.Config, error) {
	config, err := rest.InClusterConfig()
	if err == nil {
		return config, nil
	}
	if kubeconfigPath != "" {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to build config from kubeconfig: %w", err)
		}
		return config, nil
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
	return kubeConfig.ClientConfig()
}

// KubernetesRestarter deletes the running pods of the unit and leaves
// recreation to their controller.
type KubernetesRestarter struct {
	client    kubernetes.Interface
	namespace string
	selector  string
	timeout   time.Duration
}

// NewKubernetesRestarter builds a restarter for pods matching selector in namespace.
func NewKubernetesRestarter(client kubernetes.Interface, namespace, selector string, timeout time.Duration) (*KubernetesRestarter, error) {
	if client == nil {
		return nil, errors.New("kubernetes restarter requires a client")
	}
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil, errors.New("kubernetes restarter requires a pod selector")
	}
	if _, err := labels.Parse(selector); err != nil {
		return nil, fmt.Errorf("invalid pod selector %q: %w", selector, err)
	}
	if namespace == "" {
		namespace = metav1.NamespaceDefault
	}
	if timeout <= 0 {
		timeout = DefaultKubernetesTimeout
	}
	return &KubernetesRestarter{client: client, namespace: namespace, selector: selector, timeout: timeout}, nil
}

// Mechanism implements Restarter.
func (r *KubernetesRestarter) Mechanism() string { return "kubernetes" }

// Restart implements Restarter. It does not wait for replacements to become ready.
func (r *KubernetesRestarter) Restart(ctx context.Context) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pods := r.client.CoreV1().Pods(r.namespace)
	list, err := pods.List(ctx, metav1.ListOptions{
		LabelSelector: r.selector,
		FieldSelector: fields.OneTermEqualSelector("status.phase", string(corev1.PodRunning)).String(),
	})
	if err != nil {
		return "", fmt.Errorf("list pods %q in %s: %w", r.selector, r.namespace, err)
	}

	var deleted []string
	for _, pod := range list.Items {
		if pod.Status.Phase != corev1.PodRunning || pod.DeletionTimestamp != nil {
			continue
		}
		if err := pods.Delete(ctx, pod.Name, metav1.DeleteOptions{}); err != nil {
			if apierrors.IsNotFound(err) {
				continue
			}
			return "", fmt.Errorf("delete pod %s/%s: %w", r.namespace, pod.Name, err)
		}
		deleted = append(deleted, pod.Name)
	}
	if len(deleted) == 0 {
		return "", fmt.Errorf("no running pods match %q in namespace %s", r.selector, r.namespace)
	}
	sort.Strings(deleted)
	return fmt.Sprintf("deleted pod(s) %s in namespace %s", strings.Join(deleted, ", "), r.namespace), nil
}

var _ Restarter = (*KubernetesRestarter)(nil)
