// Package cgroups places job workers into per-job cgroup v2 groups with
// optional resource limits.
package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	cpuPeriodMicros = 100000
	groupPrefix     = "opspool-"
)

// Limits are the resource limits applied to a job's group. Zero values mean
// no limit.
type Limits struct {
	CPUMaxPercent  int64
	MemoryMaxBytes int64
}

// Cgroup is a single job's group. FD is an open handle to the group
// directory, suitable for SysProcAttr.CgroupFD.
type Cgroup struct {
	name string
	path string
	fd   *os.File
}

// Create makes the group for token under root and applies limits.
func Create(root, token string, limits Limits) (*Cgroup, error) {
	if err := ValidateRoot(root); err != nil {
		return nil, err
	}

	cg := &Cgroup{
		name: groupPrefix + token,
		path: filepath.Join(root, groupPrefix+token),
	}

	if err := os.MkdirAll(cg.path, 0755); err != nil {
		return nil, fmt.Errorf("make cgroup dir: %w", err)
	}

	if err := cg.applyLimits(limits); err != nil {
		os.RemoveAll(cg.path)
		return nil, fmt.Errorf("apply cgroup limits: %w", err)
	}

	fd, err := os.Open(cg.path)
	if err != nil {
		os.RemoveAll(cg.path)
		return nil, fmt.Errorf("open cgroup dir: %w", err)
	}

	cg.fd = fd

	return cg, nil
}

func (c *Cgroup) applyLimits(limits Limits) error {
	if limits.CPUMaxPercent > 0 {
		quota := (limits.CPUMaxPercent * cpuPeriodMicros) / 100
		value := fmt.Sprintf("%d %d", quota, cpuPeriodMicros)

		if err := c.write("cpu.max", value); err != nil {
			return err
		}
	}

	if limits.MemoryMaxBytes > 0 {
		if err := c.write(
			"memory.max",
			strconv.FormatInt(limits.MemoryMaxBytes, 10),
		); err != nil {
			return err
		}
	}

	return nil
}

func (c *Cgroup) write(file, value string) error {
	if err := os.WriteFile(filepath.Join(c.path, file), []byte(value), 0644); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}

	return nil
}

// Kill kills every process in the group. Requires a kernel with cgroup.kill.
func (c *Cgroup) Kill() error {
	return c.write("cgroup.kill", "1")
}

// Destroy closes the group handle and removes the group. The group must be
// empty.
func (c *Cgroup) Destroy() error {
	if c.fd != nil {
		c.fd.Close()
		c.fd = nil
	}

	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cgroup: %w", err)
	}

	return nil
}

// FD returns the open group directory, or nil once destroyed.
func (c *Cgroup) FD() *os.File {
	return c.fd
}

func (c *Cgroup) Name() string {
	return c.name
}

func (c *Cgroup) Path() string {
	return c.path
}

// ValidateRoot checks that root is the mount point of a cgroup v2 hierarchy.
func ValidateRoot(root string) error {
	controllersPath := filepath.Join(root, "cgroup.controllers")
	if _, err := os.Stat(controllersPath); err != nil {
		return fmt.Errorf("cgroup root not valid at %s: %w", root, err)
	}

	return nil
}
