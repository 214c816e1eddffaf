package environment

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ServiceAccountDir is mounted into every pod that runs with a service account.
const ServiceAccountDir = "/var/run/secrets/kubernetes.io/serviceaccount"

// Environment is where the monitored service's execution unit lives.
type Environment int

const (
	Unknown Environment = iota
	KubernetesPod
	ContainerRuntime
)

func (e Environment) String() string {
	switch e {
	case KubernetesPod:
		return "kubernetes"
	case ContainerRuntime:
		return "container"
	default:
		return "unknown"
	}
}

// Result captures the outcome of evaluating a single indicator.
type Result struct {
	Name     string
	Present  bool
	Err      error
	Duration time.Duration
}

// Detection is the cached outcome of environment detection.
type Detection struct {
	Environment Environment
	// RuntimeBinary is the container runtime CLI, set for ContainerRuntime.
	RuntimeBinary string
	Results       []Result
	Forced        bool
}

// Detector evaluates Kubernetes indicators first and falls back to looking for a
// container runtime.
type Detector struct {
	kubernetes []Indicator
	runtime    *RuntimeIndicator
	force      *Environment
}

// Option configures a Detector.
type Option func(*Detector)

// WithKubernetesIndicators replaces the default Kubernetes markers.
func WithKubernetesIndicators(indicators ...Indicator) Option {
	return func(d *Detector) {
		d.kubernetes = indicators
	}
}

// WithRuntimeIndicator replaces the default container runtime lookup.
func WithRuntimeIndicator(p *RuntimeIndicator) Option {
	return func(d *Detector) {
		if p != nil {
			d.runtime = p
		}
	}
}

// WithForcedEnvironment skips detection and reports env. The runtime indicator still
// runs for ContainerRuntime so the binary is known.
func WithForcedEnvironment(env Environment) Option {
	return func(d *Detector) {
		d.force = &env
	}
}

// NewDetector builds a detector with the standard indicators.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		kubernetes: []Indicator{
			NewFileIndicator("service-account", ServiceAccountDir),
			NewEnvIndicator("kubernetes-service-host", "KUBERNETES_SERVICE_HOST"),
		},
		runtime: NewRuntimeIndicator(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect runs the indicators once. Indicator errors count as absence.
func (d *Detector) Detect(ctx context.Context) Detection {
	if ctx == nil {
		ctx = context.Background()
	}

	if d.force != nil {
		det := Detection{Environment: *d.force, Forced: true}
		if *d.force == ContainerRuntime {
			res := d.run(ctx, d.runtime)
			det.Results = append(det.Results, res)
			det.RuntimeBinary = d.runtime.Binary()
		}
		return det
	}

	var det Detection
	for _, indicator := range d.kubernetes {
		res := d.run(ctx, indicator)
		det.Results = append(det.Results, res)
		if res.Present {
			det.Environment = KubernetesPod
			return det
		}
	}

	res := d.run(ctx, d.runtime)
	det.Results = append(det.Results, res)
	if res.Present {
		det.Environment = ContainerRuntime
		det.RuntimeBinary = d.runtime.Binary()
		return det
	}

	det.Environment = Unknown
	return det
}

func (d *Detector) run(ctx context.Context, indicator Indicator) Result {
	start := time.Now()
	present, err := indicator.Check(ctx)
	return Result{
		Name:     indicator.Name(),
		Present:  present && err == nil,
		Err:      err,
		Duration: time.Since(start),
	}
}

// Namespace resolves the namespace to act in: the configured value, then the
// pod's own service-account namespace, then "default".
func Namespace(configured, serviceAccountDir string) string {
	if ns := strings.TrimSpace(configured); ns != "" {
		return ns
	}
	if serviceAccountDir != "" {
		data, err := os.ReadFile(filepath.Join(serviceAccountDir, "namespace"))
		if err == nil {
			if ns := strings.TrimSpace(string(data)); ns != "" {
				return ns
			}
		}
	}
	return "default"
}
