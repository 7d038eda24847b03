package digitalocean

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/chainguard-dev/agent-provisioner/internal/provisioner"
	"github.com/chainguard-dev/clog"
	"github.com/digitalocean/godo"
)

var (
	ErrDropletCreate = fmt.Errorf("failed to create droplet")
	ErrDropletWait   = fmt.Errorf("failed waiting for droplet to become active")
	ErrDropletDelete = fmt.Errorf("failed to delete droplet")
	ErrBadNodeID     = fmt.Errorf("node ID is not a droplet ID")
	ErrWorkDir       = fmt.Errorf("failed to determine working directory")
)

// Launch creates a droplet from 't' and waits until it is active with a
// public IPv4 address.
func (p *Provisioner) Launch(ctx context.Context, t Template) (provisioner.Node, error) {
	log := clog.FromContext(ctx).With("image", t.Request.Image.Slug, "size", t.Request.Size)

	req := t.Request
	d, _, err := p.svc.Droplets.Create(ctx, &req)
	if err != nil {
		return provisioner.Node{}, fmt.Errorf("%w: %w", ErrDropletCreate, err)
	}
	log = log.With("droplet", d.ID)
	log.Info("created droplet")

	wctx, cancel := context.WithTimeout(ctx, p.waitTimeout)
	defer cancel()
	d, err = p.awaitActive(wctx, d.ID)
	if err != nil {
		node := provisioner.Node{ProviderID: strconv.Itoa(d.ID), Name: req.Name}
		if derr := p.Terminate(context.WithoutCancel(ctx), node); derr != nil {
			log.Error("failed to delete droplet, please do so manually", "error", derr)
		}
		return provisioner.Node{}, fmt.Errorf("%w: %w", ErrDropletWait, err)
	}

	addr, _ := d.PublicIPv4()
	log.Info("droplet active", "address", addr)
	return provisioner.Node{
		ProviderID:      strconv.Itoa(d.ID),
		PublicAddresses: []string{addr},
		Name:            d.Name,
	}, nil
}

// awaitActive polls until the droplet is active and has a public address. The
// returned droplet is never nil; on error it carries at least the ID.
func (p *Provisioner) awaitActive(ctx context.Context, id int) (*godo.Droplet, error) {
	log := clog.FromContext(ctx).With("droplet", id)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		d, _, err := p.svc.Droplets.Get(ctx, id)
		if err != nil {
			return &godo.Droplet{ID: id}, err
		}
		addr, _ := d.PublicIPv4()
		if d.Status == "active" && addr != "" {
			return d, nil
		}
		log.Debug("droplet not ready yet", "status", d.Status)
		select {
		case <-ctx.Done():
			return &godo.Droplet{ID: id}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Terminate deletes the droplet behind 'node'.
func (p *Provisioner) Terminate(ctx context.Context, node provisioner.Node) error {
	id, err := strconv.Atoi(node.ProviderID)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrBadNodeID, node.ProviderID)
	}
	clog.FromContext(ctx).Info("deleting droplet", "droplet", id)
	if _, err := p.svc.Droplets.Delete(ctx, id); err != nil {
		return fmt.Errorf("%w: %d: %w", ErrDropletDelete, id, err)
	}
	return nil
}

// PostStartupSetup tags the droplet with the workspace tag when firewalls are
// configured.
func (p *Provisioner) PostStartupSetup(ctx context.Context, node provisioner.Node) error {
	log := clog.FromContext(ctx).With("droplet", node.ProviderID)
	if len(p.cfg.Firewalls) == 0 {
		log.Debug("no firewalls configured, skipping workspace tag")
		return nil
	}

	workDir := p.cfg.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrWorkDir, err)
		}
		workDir = wd
	}
	tag := provisioner.WorkspaceTag(workDir, node.PublicAddresses...)
	if err := p.ensureTag(ctx, tag); err != nil {
		return err
	}
	_, err := p.svc.Tags.TagResources(ctx, tag, &godo.TagResourcesRequest{
		Resources: []godo.Resource{{ID: node.ProviderID, Type: godo.DropletResourceType}},
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrTagCreate, tag, err)
	}
	log.Info("tagged droplet", "tag", tag, "work_dir", workDir)
	return nil
}
