package remediation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"k8s.io/client-go/kubernetes"

	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/environment"
)

// Default bounds for the hard restart mechanisms.
const (
	DefaultKubernetesTimeout = 15 * time.Second
	DefaultContainerTimeout  = 30 * time.Second
)

// Restarter applies the hard remediation to the monitored unit.
type Restarter interface {
	// Mechanism names the restart mechanism for logs and metrics.
	Mechanism() string
	// Restart returns a human readable detail on success.
	Restart(ctx context.Context) (string, error)
}

// UnavailableRestarter is used when no restart mechanism exists for the
// detected environment. Every restart fails.
type UnavailableRestarter struct {
	Reason string
}

// Mechanism implements Restarter.
func (UnavailableRestarter) Mechanism() string { return "none" }

// Restart implements Restarter.
func (u UnavailableRestarter) Restart(context.Context) (string, error) {
	reason := u.Reason
	if reason == "" {
		reason = "environment is unknown"
	}
	return "", fmt.Errorf("no restart mechanism available: %s", reason)
}

// ContainerRestarter restarts a named container through a container runtime CLI.
type ContainerRestarter struct {
	runner    CommandRunner
	runtime   string
	container string
	timeout   time.Duration
}

// NewContainerRestarter builds a restarter invoking `<runtime> restart <container>`.
func NewContainerRestarter(runner CommandRunner, runtime, container string, timeout time.Duration) (*ContainerRestarter, error) {
	if runner == nil {
		return nil, errors.New("container restarter requires a command runner")
	}
	runtime = strings.TrimSpace(runtime)
	if runtime == "" {
		return nil, errors.New("container restarter requires a runtime binary")
	}
	container = strings.TrimSpace(container)
	if container == "" {
		return nil, errors.New("container restarter requires a container name")
	}
	if timeout <= 0 {
		timeout = DefaultContainerTimeout
	}
	return &ContainerRestarter{runner: runner, runtime: runtime, container: container, timeout: timeout}, nil
}

// Mechanism implements Restarter.
func (r *ContainerRestarter) Mechanism() string { return "container" }

// Restart implements Restarter. Success requires exit status 0.
func (r *ContainerRestarter) Restart(ctx context.Context) (string, error) {
	res, err := r.runner.Run(ctx, r.timeout, r.runtime, "restart", r.container)
	if err != nil {
		return "", fmt.Errorf("restart container %s: %w", r.container, err)
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return "", fmt.Errorf("%s restart %s exited with status %d: %s", r.runtime, r.container, res.ExitCode, truncate(msg, maxDetailBytes))
	}
	return fmt.Sprintf("container %s restarted via %s", r.container, r.runtime), nil
}

// RestarterOptions describes the unit and the bounds used by SelectRestarter.
type RestarterOptions struct {
	Namespace         string
	PodSelector       string
	Kubeconfig        string
	Container         string
	Runtime           string
	KubernetesTimeout time.Duration
	ContainerTimeout  time.Duration
	Runner            CommandRunner
	KubeClient        kubernetes.Interface
}

// SelectRestarter picks the restart mechanism matching the detected
// environment. When the mechanism cannot be built it returns an
// UnavailableRestarter together with the cause.
func SelectRestarter(det environment.Detection, opts RestarterOptions) (Restarter, error) {
	switch det.Environment {
	case environment.KubernetesPod:
		client := opts.KubeClient
		if client == nil {
			var err error
			client, err = NewKubernetesClient(opts.Kubeconfig)
			if err != nil {
				return UnavailableRestarter{Reason: err.Error()}, err
			}
		}
		r, err := NewKubernetesRestarter(client, opts.Namespace, opts.PodSelector, opts.KubernetesTimeout)
		if err != nil {
			return UnavailableRestarter{Reason: err.Error()}, err
		}
		return r, nil
	case environment.ContainerRuntime:
		runtime := opts.Runtime
		if runtime == "" {
			runtime = det.RuntimeBinary
		}
		runner := opts.Runner
		if runner == nil {
			runner = NewExecRunner(nil)
		}
		r, err := NewContainerRestarter(runner, runtime, opts.Container, opts.ContainerTimeout)
		if err != nil {
			return UnavailableRestarter{Reason: err.Error()}, err
		}
		return r, nil
	default:
		return UnavailableRestarter{Reason: "environment is " + det.Environment.String()}, nil
	}
}

var _ Restarter = UnavailableRestarter{}
var _ Restarter = (*ContainerRestarter)(nil)
