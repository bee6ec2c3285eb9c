package docker

import (
	"context"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/3leaps/jobrunner/pkg/proc"
)

// CreateVolume creates a labelled volume plus the stopped helper container
// used to copy files into and out of it. It is safe to call again for an
// existing volume.
func (c *Client) CreateVolume(ctx context.Context, volume string, labels map[string]string) error {
	args := []string{"volume", "create", "--name", volume}
	args = append(args, c.labelArgs(labels)...)
	if _, err := c.run(ctx, args, proc.Options{}); err != nil {
		return fmt.Errorf("create volume %s: %w", volume, err)
	}

	manager := []string{"container", "create"}
	manager = append(manager, c.labelArgs(labels)...)
	manager = append(manager,
		"--name", ManagerName(volume),
		"--volume", volume+":"+WorkspaceMount,
		"--network", "none",
		"--entrypoint", "sh",
		"--interactive",
		"--init",
		c.opts.ManagerImage,
	)
	if _, err := c.run(ctx, manager, proc.Options{}); err != nil {
		if ignoreMessages(err, "is already in use") != nil {
			return fmt.Errorf("create volume manager for %s: %w", volume, err)
		}
	}

	c.log.Debug("Created volume", zap.String("volume", volume))
	return nil
}

// VolumeExists reports whether the volume exists.
func (c *Client) VolumeExists(ctx context.Context, volume string) (bool, error) {
	_, err := c.run(ctx, []string{"volume", "inspect", volume}, proc.Options{})
	if err == nil {
		return true, nil
	}
	if isMissing(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspect volume %s: %w", volume, err)
}

// CopyToVolume copies a host path into the volume. dest is relative to the
// volume root. Copying "dir/." copies the directory's contents.
func (c *Client) CopyToVolume(ctx context.Context, volume, src, dest string) error {
	target := ManagerName(volume) + ":" + path.Join(WorkspaceMount, dest)
	if _, err := c.run(ctx, []string{"container", "cp", src, target}, proc.Options{}); err != nil {
		return fmt.Errorf("copy %s to volume %s: %w", src, volume, err)
	}
	return nil
}

// CopyFromVolume copies a path relative to the volume root out to the host.
func (c *Client) CopyFromVolume(ctx context.Context, volume, src, dest string) error {
	source := ManagerName(volume) + ":" + path.Join(WorkspaceMount, src)
	if _, err := c.run(ctx, []string{"container", "cp", source, dest}, proc.Options{}); err != nil {
		if isMissing(err) {
			return fmt.Errorf("copy %s from volume %s: %w", src, volume, ErrNotFound)
		}
		return fmt.Errorf("copy %s from volume %s: %w", src, volume, err)
	}
	return nil
}

// DeleteVolume removes the helper container and the volume. A missing
// resource is not an error.
func (c *Client) DeleteVolume(ctx context.Context, volume string) error {
	if err := c.RemoveContainer(ctx, ManagerName(volume)); err != nil {
		return err
	}
	_, err := c.run(ctx, []string{"volume", "rm", "--force", volume}, proc.Options{})
	if err := ignoreMessages(err, "no such volume"); err != nil {
		return fmt.Errorf("remove volume %s: %w", volume, err)
	}
	c.log.Debug("Removed volume", zap.String("volume", volume))
	return nil
}
