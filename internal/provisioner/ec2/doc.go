// ec2 provisions AWS EC2 instances to host remote test agents.
//
// # Template
//
// 'BuildTemplate' first makes sure every configured security group exists and
// admits TCP from 0.0.0.0/0 on the configured inbound port range and on 22.
// Groups are long-lived and shared between runs, so "already exists" style
// errors are logged and dropped; anything else aborts the build. The template
// then carries the image, instance type and login options:
//   - the public key from the configured 'ssh.KeySource'
//   - the security group names and inbound ports
//   - the login user
//   - either the named key pair, or no key pair at all
//
// # Launch
//
// 'Launch' runs one instance from a template, passing the public key in as
// cloud-init user data, and waits for it to enter the "running" state.
//
// # Post-startup
//
// When security groups are configured, the running instance is tagged with
// 'provisioner.WorkspaceTag' of the local working directory and its public
// address so repeated runs from one workspace can find their instances.
package ec2
