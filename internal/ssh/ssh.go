// Package ssh builds the ssh and scp command lines printed for operators
// and participants after a run.
package ssh

import (
	"fmt"
	"os/user"
	"strconv"

	shellquote "github.com/kballard/go-shellquote"
)

// Default SSH configuration values.
const (
	DefaultConnectTimeout = 10
)

// Options configures SSH connection parameters.
type Options struct {
	Port               int
	User               string
	Host               string
	IdentityFile       string
	StrictHostKeyCheck bool
	KnownHostsFile     string
	ConnectTimeout     int
}

// DefaultOptions returns Options for a participant container reached
// through its forwarded port. Host keys are not pinned because every
// run recreates the containers.
func DefaultOptions(host string, port int, user string) Options {
	return Options{
		Port:               port,
		User:               user,
		Host:               host,
		StrictHostKeyCheck: false,
		KnownHostsFile:     "/dev/null",
		ConnectTimeout:     DefaultConnectTimeout,
	}
}

// WithIdentity returns a copy that authenticates with the given key file.
func (o Options) WithIdentity(path string) Options {
	o.IdentityFile = path
	return o
}

// WithTimeout returns a copy with the specified connect timeout.
func (o Options) WithTimeout(seconds int) Options {
	o.ConnectTimeout = seconds
	return o
}

// BaseArgs returns the common SSH arguments (options only, no user@host).
func (o Options) BaseArgs() []string {
	var args []string
	if o.Port != 0 {
		args = append(args, "-p", strconv.Itoa(o.Port))
	}

	if o.IdentityFile != "" {
		args = append(args, "-i", o.IdentityFile)
	}

	if !o.StrictHostKeyCheck {
		args = append(args, "-o", "StrictHostKeyChecking=no")
	}

	if o.KnownHostsFile != "" {
		args = append(args, "-o", fmt.Sprintf("UserKnownHostsFile=%s", o.KnownHostsFile))
	}

	if o.ConnectTimeout > 0 {
		args = append(args, "-o", fmt.Sprintf("ConnectTimeout=%d", o.ConnectTimeout))
	}

	return args
}

// Destination returns the user@host string.
func (o Options) Destination() string {
	if o.User == "" {
		return o.Host
	}
	return fmt.Sprintf("%s@%s", o.User, o.Host)
}

// BuildArgs returns complete SSH arguments for executing a command.
func (o Options) BuildArgs(command ...string) []string {
	args := o.BaseArgs()
	args = append(args, o.Destination())
	args = append(args, command...)
	return args
}

// Command returns the shell-quoted ssh command line.
func (o Options) Command(command ...string) string {
	return shellquote.Join(append([]string{"ssh"}, o.BuildArgs(command...)...)...)
}

// SCPCommand returns the shell-quoted scp command line that copies
// remotePath from user@host into localDir.
func SCPCommand(user, host, remotePath, localDir string) string {
	src := host + ":" + remotePath
	if user != "" {
		src = user + "@" + src
	}
	return shellquote.Join("scp", src, localDir)
}

// OperatorUser returns the login name of the current user, or "" when it
// cannot be determined.
func OperatorUser() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}
