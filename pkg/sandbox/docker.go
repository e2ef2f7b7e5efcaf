package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/harun/scorpio/internal/tracing"
	"github.com/harun/scorpio/pkg/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "scorpio.sandbox"

var toolNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// containerAPI is the slice of the Docker client the runner uses.
type containerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// DockerRunner executes tools in ephemeral containers.
type DockerRunner struct {
	api    containerAPI
	config Config
	logger zerolog.Logger
}

// NewDockerRunner connects to the Docker daemon from the environment
// (DOCKER_HOST and friends) with API version negotiation.
func NewDockerRunner(cfg Config, logger zerolog.Logger) (*DockerRunner, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errdefs.External("docker", fmt.Errorf("docker client: %w", err))
	}
	return newDockerRunner(cli, cfg, logger), nil
}

func newDockerRunner(api containerAPI, cfg Config, logger zerolog.Logger) *DockerRunner {
	if cfg.Module == "" {
		cfg.Module = DefaultModule
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &DockerRunner{api: api, config: cfg, logger: logger}
}

// Close closes the docker client.
func (d *DockerRunner) Close() error {
	return d.api.Close()
}

// Run executes tool with params and returns the JSON object it prints.
func (d *DockerRunner) Run(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "sandbox.run",
		attribute.String("tool.name", tool),
		attribute.String("sandbox.image", d.config.Image))
	defer span.End()

	out, err := d.run(ctx, tool, params)
	if err != nil {
		tracing.RecordError(span, err)
	}
	return out, err
}

func (d *DockerRunner) run(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
	if !toolNamePattern.MatchString(tool) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidToolName, tool)
	}
	if params == nil {
		params = map[string]any{}
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, errdefs.Validation("parameters are not serializable: %v", err)
	}

	log := tracing.LoggerFromContext(ctx, d.logger).With().Str("tool", tool).Logger()
	start := time.Now()

	resp, err := d.api.ContainerCreate(ctx, &container.Config{
		Image: d.config.Image,
		Cmd:   []string{"python", "-m", d.config.Module + "." + tool, string(payload)},
		Tty:   false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: d.config.MemoryMB * 1024 * 1024,
		},
		NetworkMode: container.NetworkMode(d.config.NetworkMode),
	}, nil, nil, "")
	if err != nil {
		return nil, errdefs.External("docker", fmt.Errorf("create container: %w", err))
	}
	containerID := resp.ID

	defer func() {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := d.api.ContainerRemove(rmCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			log.Warn().Err(err).Str("container_id", containerID).Msg("Failed to remove sandbox container")
		}
	}()

	if err := d.api.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, errdefs.External("docker", fmt.Errorf("start container: %w", err))
	}

	waitCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	var exitCode int64
	statusCh, errCh := d.api.ContainerWait(waitCtx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if waitCtx.Err() != nil {
			return nil, d.kill(ctx, log, containerID)
		}
		return nil, errdefs.External("docker", fmt.Errorf("wait container: %w", err))
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-waitCtx.Done():
		return nil, d.kill(ctx, log, containerID)
	}

	logs, err := d.api.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, errdefs.External("docker", fmt.Errorf("get logs: %w", err))
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, errdefs.External("docker", fmt.Errorf("read logs: %w", err))
	}

	log.Debug().
		Int64("exit_code", exitCode).
		Dur("duration", time.Since(start)).
		Msg("Sandbox container finished")

	if exitCode != 0 {
		return nil, fmt.Errorf("%w (%d): %s", ErrNonZeroExit, exitCode, strings.TrimSpace(stderr.String()))
	}

	result := map[string]any{}
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	return result, nil
}

func (d *DockerRunner) kill(ctx context.Context, log zerolog.Logger, containerID string) error {
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.api.ContainerKill(killCtx, containerID, "SIGKILL"); err != nil {
		log.Warn().Err(err).Str("container_id", containerID).Msg("Failed to kill sandbox container")
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w after %s", ErrExecutionTimeout, d.config.Timeout)
}
