package grading

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// DockerExecutor runs grading commands inside already-running lab
// containers via the Docker exec API.
type DockerExecutor struct {
	client *client.Client
}

// NewDockerExecutor connects to the Docker daemon and verifies it is
// reachable.
func NewDockerExecutor() (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker not reachable: %w", err)
	}

	return &DockerExecutor{client: cli}, nil
}

// Run executes a command in the named container, optionally piping stdin,
// and captures stdout/stderr until the command terminates.
func (e *DockerExecutor) Run(ctx context.Context, cmd Command) (*ExecResult, error) {
	execCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	execCfg := container.ExecOptions{
		Cmd:          cmd.Args,
		AttachStdin:  cmd.HasStdin,
		AttachStdout: true,
		AttachStderr: true,
	}

	execResp, err := e.client.ContainerExecCreate(execCtx, cmd.Container, execCfg)
	if err != nil {
		return nil, fmt.Errorf("create exec: %w", err)
	}

	start := time.Now()

	attachResp, err := e.client.ContainerExecAttach(execCtx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}
	defer attachResp.Close()

	if cmd.HasStdin {
		// Write input concurrently with reading output, then close the
		// stream to signal end-of-input.
		go func() {
			_, _ = io.Copy(attachResp.Conn, strings.NewReader(cmd.Stdin))
			_ = attachResp.CloseWrite()
		}()
	}

	var outBuf bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(&outBuf, attachResp.Reader)
		copyDone <- err
	}()
	select {
	case <-execCtx.Done():
		return nil, fmt.Errorf("exec aborted: %w", execCtx.Err())
	case err := <-copyDone:
		if err != nil {
			return nil, fmt.Errorf("read exec output: %w", err)
		}
	}

	duration := time.Since(start)

	inspectResp, err := e.client.ContainerExecInspect(execCtx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec: %w", err)
	}

	stdout, stderr := demuxOutput(outBuf.Bytes())
	return &ExecResult{
		ExitCode: inspectResp.ExitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: duration,
	}, nil
}

// Close closes the Docker client.
func (e *DockerExecutor) Close() error {
	return e.client.Close()
}

// demuxOutput separates Docker's multiplexed stdout/stderr stream. Each
// frame starts with an 8-byte header: [type][0][0][0][size1..size4], where
// type 1 is stdout and 2 is stderr.
func demuxOutput(data []byte) (stdout, stderr string) {
	var outBuf, errBuf strings.Builder

	for len(data) >= 8 {
		streamType := data[0]
		size := int(data[4])<<24 | int(data[5])<<16 | int(data[6])<<8 | int(data[7])
		data = data[8:]

		if size > len(data) {
			size = len(data)
		}
		chunk := string(data[:size])
		data = data[size:]

		switch streamType {
		case 2:
			errBuf.WriteString(chunk)
		default:
			outBuf.WriteString(chunk)
		}
	}

	return outBuf.String(), errBuf.String()
}
