package ec2

import (
	"fmt"
	"slices"
)

// Config configures the EC2 provisioner.
type Config struct {
	// Static credentials. When both are empty the default AWS credential chain
	// is used, which also reads AWS_ACCESS_KEY_ID and friends.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	// SessionToken accompanies temporary static credentials.
	SessionToken string `yaml:"session_token"`

	Region       string `yaml:"region"`        // default: us-west-2
	ImageID      string `yaml:"image_id"`      // required
	InstanceType string `yaml:"instance_type"` // default: t3.medium

	// SecurityGroups are created and opened on demand. Empty means the
	// provisioner leaves security groups (and tagging) alone.
	SecurityGroups []string `yaml:"security_groups"`
	// InboundPorts: the first and last entries bound the TCP range opened on
	// each security group.
	InboundPorts []int32 `yaml:"inbound_ports"`

	User        string `yaml:"user"`          // default: ubuntu
	KeyPairName string `yaml:"key_pair_name"` // optional

	// Name is applied as the instance 'Name' tag. Default: agent.
	Name string `yaml:"name"`
	// WorkDir feeds the workspace tag. Default: the process working directory
	// at tagging time.
	WorkDir string `yaml:"work_dir"`
}

func (c *Config) applyDefaults() {
	if c.Region == "" {
		c.Region = "us-west-2"
	}
	if c.InstanceType == "" {
		c.InstanceType = "t3.medium"
	}
	if c.User == "" {
		c.User = "ubuntu"
	}
	if c.Name == "" {
		c.Name = "agent"
	}
	// Security groups are a set; keep the first occurrence of each name.
	groups := make([]string, 0, len(c.SecurityGroups))
	for _, sg := range c.SecurityGroups {
		if !slices.Contains(groups, sg) {
			groups = append(groups, sg)
		}
	}
	c.SecurityGroups = groups
	c.InboundPorts = slices.Clone(c.InboundPorts)
}

func (c *Config) validate() error {
	if c.ImageID == "" {
		return fmt.Errorf("image_id is required")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return fmt.Errorf("access_key and secret_key must be set together")
	}
	if c.SessionToken != "" && c.AccessKey == "" {
		return fmt.Errorf("session_token requires access_key and secret_key")
	}
	for _, sg := range c.SecurityGroups {
		if sg == "" {
			return fmt.Errorf("security_groups must not contain empty names")
		}
	}
	for _, port := range c.InboundPorts {
		if port < 1 || port > 65535 {
			return fmt.Errorf("inbound port %d is out of range", port)
		}
	}
	if n := len(c.InboundPorts); n > 1 && c.InboundPorts[0] > c.InboundPorts[n-1] {
		return fmt.Errorf("inbound port range %d-%d is inverted", c.InboundPorts[0], c.InboundPorts[n-1])
	}
	return nil
}
