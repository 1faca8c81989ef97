package provision

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return bytes.TrimSpace(out), err
}

// Identifier asks a running backend for its identity.
type Identifier interface {
	Identify(ctx context.Context, addr string) (string, error)
}

// Docker starts one container per hostname on a shared network; the
// hostname doubles as container name, network alias and NODE_ID.
type Docker struct {
	Image   string
	Network string
	Run     Runner

	// When Identity is set, Create waits until the container answers on
	// RPCPort with its own hostname.
	Identity     Identifier
	RPCPort      int
	ReadyTimeout time.Duration
	PollInterval time.Duration
}

func NewDocker(image, network string) *Docker {
	return &Docker{
		Image:        image,
		Network:      network,
		Run:          execRunner,
		ReadyTimeout: 10 * time.Second,
		PollInterval: 200 * time.Millisecond,
	}
}

func (d *Docker) Create(ctx context.Context, hostname string) error {
	logEntry := logrus.WithFields(logrus.Fields{
		"func_name": "Docker.Create",
		"hostname":  hostname,
	})
	args := []string{
		"run", "--name", hostname,
		"--network", d.Network,
		"--network-alias", hostname,
		"-e", "NODE_ID=" + hostname,
		"-d", d.Image,
	}
	logEntry.Debugf("docker %s", strings.Join(args, " "))
	out, err := d.Run(ctx, "docker", args...)
	if err != nil {
		return fmt.Errorf("docker run %s: %w: %s", hostname, err, out)
	}
	if len(bytes.TrimSpace(out)) == 0 {
		return fmt.Errorf("docker run %s: %w", hostname, ErrNoContainer)
	}
	logEntry.Infof("container started: %s", out)

	if d.Identity == nil {
		return nil
	}
	if err := d.waitReady(ctx, hostname); err != nil {
		tctx, cancel := TeardownContext(ctx)
		defer cancel()
		if derr := d.Destroy(tctx, hostname); derr != nil {
			logEntry.Warnf("teardown after failed start: %v", derr)
		}
		return err
	}
	return nil
}

func (d *Docker) waitReady(ctx context.Context, hostname string) error {
	ctx, cancel := context.WithTimeout(ctx, d.ReadyTimeout)
	defer cancel()

	addr := net.JoinHostPort(hostname, strconv.Itoa(d.RPCPort))
	t := time.NewTicker(d.PollInterval)
	defer t.Stop()
	var lastErr error
	for {
		id, err := d.Identity.Identify(ctx, addr)
		if err == nil && id == hostname {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("identity %q", id)
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrNotReady, hostname, lastErr)
		case <-t.C:
		}
	}
}

func (d *Docker) Destroy(ctx context.Context, hostname string) error {
	logEntry := logrus.WithFields(logrus.Fields{
		"func_name": "Docker.Destroy",
		"hostname":  hostname,
	})
	if out, err := d.Run(ctx, "docker", "stop", hostname); err != nil {
		return fmt.Errorf("docker stop %s: %w: %s", hostname, err, out)
	}
	if out, err := d.Run(ctx, "docker", "rm", hostname); err != nil {
		return fmt.Errorf("docker rm %s: %w: %s", hostname, err, out)
	}
	logEntry.Infof("container removed")
	return nil
}
