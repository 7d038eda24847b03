package digitalocean

import (
	"context"
	"fmt"
	"strconv"

	"github.com/chainguard-dev/agent-provisioner/internal/provisioner"
	"github.com/chainguard-dev/clog"
	"github.com/digitalocean/godo"
)

var (
	ErrFirewallLookup = fmt.Errorf("failed to list firewalls")
	ErrFirewallCreate = fmt.Errorf("failed to create firewall")
	ErrFirewallRules  = fmt.Errorf("failed to add firewall rules")
	ErrTagCreate      = fmt.Errorf("failed to create tag")
)

func portRange(from, to int32) string {
	if from == to {
		return strconv.Itoa(int(from))
	}
	return fmt.Sprintf("%d-%d", from, to)
}

func (p *Provisioner) inboundRules() []godo.InboundRule {
	anywhere := &godo.Sources{Addresses: []string{"0.0.0.0/0", "::/0"}}
	var rules []godo.InboundRule
	if n := len(p.cfg.InboundPorts); n > 0 {
		rules = append(rules, godo.InboundRule{
			Protocol:  "tcp",
			PortRange: portRange(p.cfg.InboundPorts[0], p.cfg.InboundPorts[n-1]),
			Sources:   anywhere,
		})
	}
	return append(rules, godo.InboundRule{
		Protocol:  "tcp",
		PortRange: portRange(provisioner.PortSSH, provisioner.PortSSH),
		Sources:   anywhere,
	})
}

func outboundRules() []godo.OutboundRule {
	anywhere := &godo.Destinations{Addresses: []string{"0.0.0.0/0", "::/0"}}
	return []godo.OutboundRule{
		{Protocol: "tcp", PortRange: "all", Destinations: anywhere},
		{Protocol: "udp", PortRange: "all", Destinations: anywhere},
		{Protocol: "icmp", Destinations: anywhere},
	}
}

// ensureTag creates a tag, tolerating one that already exists.
func (p *Provisioner) ensureTag(ctx context.Context, name string) error {
	_, _, err := p.svc.Tags.Create(ctx, &godo.TagCreateRequest{Name: name})
	if err := tolerateConflict(ctx, err, "tag not created, reusing it", "tag", name); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrTagCreate, name, err)
	}
	return nil
}

// ensureFirewall makes sure a firewall called 'name' exists, admits the
// configured inbound range and SSH, and applies to droplets tagged 'name'.
func (p *Provisioner) ensureFirewall(ctx context.Context, existing map[string]string, name string) error {
	log := clog.FromContext(ctx).With("firewall", name)

	if err := p.ensureTag(ctx, name); err != nil {
		return err
	}

	rules := p.inboundRules()
	if id, ok := existing[name]; ok {
		return p.addRules(ctx, id, name, rules)
	}

	fw, _, err := p.svc.Firewalls.Create(ctx, &godo.FirewallRequest{
		Name:          name,
		InboundRules:  rules,
		OutboundRules: outboundRules(),
		Tags:          []string{name},
	})
	switch {
	case err == nil:
		log.Info("created firewall", "id", fw.ID)
		return nil
	case !isStateConflict(err):
		return fmt.Errorf("%w: %s: %w", ErrFirewallCreate, name, err)
	}

	// Someone else created it since we listed; open our ports on theirs.
	log.Warn("firewall created concurrently, looking it up again", "error", err)
	byName, err := p.firewallsByName(ctx)
	if err != nil {
		return err
	}
	id, ok := byName[name]
	if !ok {
		return fmt.Errorf("%w: %s: creation conflicted but no such firewall exists", ErrFirewallCreate, name)
	}
	return p.addRules(ctx, id, name, rules)
}

func (p *Provisioner) addRules(ctx context.Context, id, name string, rules []godo.InboundRule) error {
	_, err := p.svc.Firewalls.AddRules(ctx, id, &godo.FirewallRulesRequest{InboundRules: rules})
	if err := tolerateConflict(ctx, err, "firewall rules not added, keeping existing rules", "firewall", name); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrFirewallRules, name, err)
	}
	clog.FromContext(ctx).Info("authorized ingress on existing firewall", "firewall", name, "id", id)
	return nil
}

// firewallsByName lists the account's firewalls, keyed by name.
func (p *Provisioner) firewallsByName(ctx context.Context) (map[string]string, error) {
	byName := make(map[string]string)
	opt := &godo.ListOptions{PerPage: 200}
	for {
		fws, resp, err := p.svc.Firewalls.List(ctx, opt)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFirewallLookup, err)
		}
		for _, fw := range fws {
			byName[fw.Name] = fw.ID
		}
		if resp == nil || resp.Links == nil || resp.Links.IsLastPage() {
			return byName, nil
		}
		page, err := resp.Links.CurrentPage()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFirewallLookup, err)
		}
		opt.Page = page + 1
	}
}
