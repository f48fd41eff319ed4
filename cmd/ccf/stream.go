package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"time"

	"comms-ccf/config"
	"comms-ccf/loadbalance"
	"comms-ccf/registry"
	"comms-ccf/transport"
)

const (
	defaultAddr = "localhost:4321"
	dialTimeout = 5 * time.Second
	targetWait  = 5 * time.Second // For a target with no instance registered yet
)

var errUsage = errors.New("usage: ccf [flags] tcp [host:port] | exec <cmd> [args...] | target <name>")

// openStream connects to the peer named by the positional arguments.
func openStream(ctx context.Context, cfg *config.Config, args []string) (io.ReadWriteCloser, string, error) {
	if len(args) == 0 {
		return nil, "", errUsage
	}

	switch args[0] {
	case "tcp":
		addr := defaultAddr
		if len(args) > 1 {
			addr = args[1]
		}
		conn, err := dial(ctx, addr)
		return conn, "tcp " + addr, err

	case "exec":
		if len(args) < 2 {
			return nil, "", errUsage
		}
		proc, err := startProcess(ctx, args[1], args[2:])
		if err != nil {
			return nil, "", err
		}
		return proc, "exec " + args[1], nil

	case "target":
		if len(args) < 2 {
			return nil, "", errUsage
		}
		if len(cfg.Etcd) == 0 {
			return nil, "", fmt.Errorf("target %s: no registry, set -etcd or CCF_ETCD_ENDPOINTS", args[1])
		}
		reg, err := registry.NewEtcdRegistry(cfg.Etcd)
		if err != nil {
			return nil, "", err
		}
		defer reg.Close()

		addr, err := resolveTarget(ctx, reg, args[1], cfg.Balance, targetWait)
		if err != nil {
			return nil, "", err
		}
		conn, err := dial(ctx, addr)
		return conn, fmt.Sprintf("target %s (%s)", args[1], addr), err

	default:
		return nil, "", fmt.Errorf("unknown connection %q: %w", args[0], errUsage)
	}
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

// resolveTarget picks one registered instance of target. If none is
// registered it watches the registry for up to wait, so a peer that is still
// starting can be reached.
func resolveTarget(ctx context.Context, reg registry.Registry, target, strategy string, wait time.Duration) (string, error) {
	balancer, err := loadbalance.New(strategy)
	if err != nil {
		return "", err
	}

	watchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	var updates <-chan []registry.TargetInstance
	if wait > 0 {
		// Subscribe before the first lookup so no registration is missed
		updates = reg.Watch(watchCtx, target)
	}

	instances, err := reg.Discover(ctx, target)
	if err != nil {
		return "", fmt.Errorf("target %s: %w", target, err)
	}
	for len(instances) == 0 && updates != nil {
		list, ok := <-updates
		if !ok {
			break
		}
		instances = list
	}

	inst, err := balancer.Pick(instances)
	if err != nil {
		return "", fmt.Errorf("target %s: %w", target, err)
	}
	return inst.Addr, nil
}

// process is a subprocess whose stdout and stdin carry the frames.
type process struct {
	transport.ReadWriter
	cmd *exec.Cmd
}

func startProcess(ctx context.Context, name string, args []string) (*process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("exec %s: %w", name, err)
	}
	return &process{
		ReadWriter: transport.ReadWriter{Reader: stdout, Writer: stdin},
		cmd:        cmd,
	}, nil
}

// Close closes the pipes, then interrupts the process and reaps it.
func (p *process) Close() error {
	_ = p.ReadWriter.Close()
	_ = p.cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(time.Second):
		_ = p.cmd.Process.Kill()
		<-done
	}
	return nil
}
