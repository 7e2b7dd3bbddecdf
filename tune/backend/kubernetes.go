package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/inference-sim/autotune/tune"
)

// Serving roles of a deployment.
const (
	RoleServe   = "serve"
	RolePrefill = "prefill"
	RoleDecode  = "decode"
)

const (
	appLabel  = "app.kubernetes.io/name"
	roleLabel = "autotune.inference-sim.io/role"
)

// Kubernetes deploys the target server as Deployments plus a Service. With
// prefill/decode disaggregation it runs one Deployment per role behind the
// same Service.
type Kubernetes struct {
	client   kubernetes.Interface
	settings tune.KubernetesSettings
	server   tune.ServerSettings
	name     string
	roles    []string

	mu        sync.Mutex
	launch    Launch
	backupDir string
	started   bool
}

// NewKubeClient builds a clientset from kubeconfig, or from the in-cluster
// config when kubeconfig is empty.
func NewKubeClient(kubeconfig string) (kubernetes.Interface, error) {
	var cfg *rest.Config
	var err error
	if kubeconfig != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("kubernetes: loading config: %w", err)
	}
	return kubernetes.NewForConfig(cfg)
}

// NewKubernetes returns a backend deploying name into the configured namespace.
// pdPolicy is "competition" (one serving deployment) or "disaggregation".
func NewKubernetes(client kubernetes.Interface, k tune.KubernetesSettings, s tune.ServerSettings, name, pdPolicy string) (*Kubernetes, error) {
	if !tune.ValidPDPolicies[pdPolicy] {
		return nil, fmt.Errorf("kubernetes: unknown pd policy %q", pdPolicy)
	}
	roles := []string{RoleServe}
	if pdPolicy == "disaggregation" {
		roles = []string{RolePrefill, RoleDecode}
	}
	if s.Port <= 0 {
		s.Port = 8000
	}
	return &Kubernetes{client: client, settings: k, server: s, name: name, roles: roles}, nil
}

// BaseURL is the in-cluster address of the Service.
func (k *Kubernetes) BaseURL() string {
	return fmt.Sprintf("http://%s.%s.svc:%d", k.name, k.settings.Namespace, k.server.Port)
}

func (k *Kubernetes) deploymentName(role string) string {
	if role == RoleServe {
		return k.name
	}
	return k.name + "-" + role
}

func (k *Kubernetes) UpdateConfig(params tune.Params) error {
	base := []string{"vllm", "serve", k.server.Model, "--port", fmt.Sprint(k.server.Port)}
	l, err := BuildLaunch(k.server, base, params)
	if err != nil {
		return err
	}
	if l.Config != nil {
		return errors.New("kubernetes: dotted-path fields are not supported; use flags or env")
	}
	k.mu.Lock()
	k.launch = l
	k.mu.Unlock()
	return nil
}

func (k *Kubernetes) Start(ctx context.Context) error {
	k.mu.Lock()
	l := k.launch
	k.mu.Unlock()
	if len(l.Args) == 0 {
		return errors.New("kubernetes: no configuration applied")
	}
	ns := k.settings.Namespace
	for _, role := range k.roles {
		dep := k.deployment(role, l)
		if _, err := k.client.AppsV1().Deployments(ns).Create(ctx, dep, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("kubernetes: create deployment %s: %w", dep.Name, err)
		}
	}
	if _, err := k.client.CoreV1().Services(ns).Create(ctx, k.service(), metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("kubernetes: create service: %w", err)
	}
	k.mu.Lock()
	k.started = true
	k.mu.Unlock()
	logrus.Infof("kubernetes: deployed %s (%s) in %s", k.name, strings.Join(k.roles, ", "), ns)
	return nil
}

func (k *Kubernetes) deployment(role string, l Launch) *appsv1.Deployment {
	labels := map[string]string{appLabel: k.name, roleLabel: role}
	args := append([]string(nil), l.Args[1:]...)
	env := make([]corev1.EnvVar, 0, len(l.Env)+1)
	for _, kv := range l.EnvList() {
		name, value, _ := strings.Cut(kv, "=")
		env = append(env, corev1.EnvVar{Name: name, Value: value})
	}
	if role != RoleServe {
		env = append(env, corev1.EnvVar{Name: "AUTOTUNE_PD_ROLE", Value: role})
	}
	replicas := int32(1)
	gpus := resource.NewQuantity(k.settings.GPUCount, resource.DecimalSI)
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: k.deploymentName(role), Namespace: k.settings.Namespace, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyAlways,
					Containers: []corev1.Container{{
						Name:    "server",
						Image:   k.settings.Image,
						Command: []string{l.Args[0]},
						Args:    args,
						Env:     env,
						Ports:   []corev1.ContainerPort{{Name: "http", ContainerPort: int32(k.server.Port)}},
						Resources: corev1.ResourceRequirements{
							Limits: corev1.ResourceList{corev1.ResourceName(k.settings.GPUResource): *gpus},
						},
						ReadinessProbe: &corev1.Probe{
							ProbeHandler: corev1.ProbeHandler{HTTPGet: &corev1.HTTPGetAction{
								Path: k.server.HealthPath,
								Port: intstr.FromInt32(int32(k.server.Port)),
							}},
							PeriodSeconds: 5,
						},
					}},
				},
			},
		},
	}
}

func (k *Kubernetes) service() *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: k.name, Namespace: k.settings.Namespace, Labels: map[string]string{appLabel: k.name}},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{appLabel: k.name},
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       int32(k.server.Port),
				TargetPort: intstr.FromInt32(int32(k.server.Port)),
			}},
		},
	}
}

// Health is running once every role has a ready replica.
func (k *Kubernetes) Health(ctx context.Context) tune.Health {
	k.mu.Lock()
	started := k.started
	k.mu.Unlock()
	if !started {
		return tune.Health{Stage: tune.StageStopped}
	}
	for _, role := range k.roles {
		dep, err := k.client.AppsV1().Deployments(k.settings.Namespace).Get(ctx, k.deploymentName(role), metav1.GetOptions{})
		if err != nil {
			return tune.Health{Stage: tune.StageError, Detail: err.Error()}
		}
		for _, c := range dep.Status.Conditions {
			if c.Type == appsv1.DeploymentReplicaFailure && c.Status == corev1.ConditionTrue {
				return tune.Health{Stage: tune.StageError, Detail: c.Message}
			}
		}
		if dep.Status.ReadyReplicas < 1 {
			return tune.Health{Stage: tune.StageStarting, Detail: role}
		}
	}
	return tune.Health{Stage: tune.StageRunning}
}

// Poll reports the exit code of a server container that has crashed and restarted.
func (k *Kubernetes) Poll() *int {
	k.mu.Lock()
	started := k.started
	k.mu.Unlock()
	if !started {
		return nil
	}
	pods, err := k.client.CoreV1().Pods(k.settings.Namespace).List(context.Background(), metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", appLabel, k.name),
	})
	if err != nil {
		logrus.Warnf("kubernetes: list pods: %v", err)
		return nil
	}
	for _, pod := range pods.Items {
		for _, cs := range pod.Status.ContainerStatuses {
			if t := cs.LastTerminationState.Terminated; t != nil && cs.RestartCount > 0 {
				code := int(t.ExitCode)
				return &code
			}
			if t := cs.State.Terminated; t != nil {
				code := int(t.ExitCode)
				return &code
			}
		}
	}
	return nil
}

func (k *Kubernetes) SetBackupDir(dir string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.backupDir = dir
}

// Stop saves pod logs to the backup dir, if any, then deletes every object it created.
func (k *Kubernetes) Stop(ctx context.Context, _ bool) error {
	k.mu.Lock()
	backup := k.backupDir
	started := k.started
	k.started = false
	k.mu.Unlock()
	if !started {
		return nil
	}
	if backup != "" {
		if err := k.saveLogs(ctx, filepath.Join(backup, "server")); err != nil {
			logrus.Warnf("kubernetes: saving logs: %v", err)
		}
	}

	ns := k.settings.Namespace
	propagation := metav1.DeletePropagationBackground
	var errs []error
	for _, role := range k.roles {
		err := k.client.AppsV1().Deployments(ns).Delete(ctx, k.deploymentName(role), metav1.DeleteOptions{PropagationPolicy: &propagation})
		if err != nil && !apierrors.IsNotFound(err) {
			errs = append(errs, err)
		}
	}
	if err := k.client.CoreV1().Services(ns).Delete(ctx, k.name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (k *Kubernetes) saveLogs(ctx context.Context, dir string) error {
	pods, err := k.client.CoreV1().Pods(k.settings.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", appLabel, k.name),
	})
	if err != nil {
		return fmt.Errorf("list pods: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, pod := range pods.Items {
		req := k.client.CoreV1().Pods(k.settings.Namespace).GetLogs(pod.Name, &corev1.PodLogOptions{Container: "server"})
		stream, err := req.Stream(ctx)
		if err != nil {
			return fmt.Errorf("stream logs of %s: %w", pod.Name, err)
		}
		var buf bytes.Buffer
		_, err = io.Copy(&buf, stream)
		stream.Close()
		if err != nil {
			return fmt.Errorf("read logs of %s: %w", pod.Name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, pod.Name+".log"), buf.Bytes(), 0o644); err != nil {
			return err
		}
	}
	return nil
}
