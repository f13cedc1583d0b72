// Package cloudinit builds the first-boot document for participant
// containers.
package cloudinit

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Header marks a document as cloud-config user data.
const Header = "#cloud-config\n"

// User is one entry of the users list.
type User struct {
	Name              string   `yaml:"name"`
	SSHAuthorizedKeys []string `yaml:"ssh-authorized-keys"`
	Sudo              []string `yaml:"sudo"`
	Groups            string   `yaml:"groups"`
	Shell             string   `yaml:"shell"`
}

// Config is the subset of cloud-config nest-ctl writes.
type Config struct {
	Users []User `yaml:"users"`
}

// SudoUser returns a passwordless sudo user with bash as login shell.
func SudoUser(username, authorizedKey string) User {
	return User{
		Name:              username,
		SSHAuthorizedKeys: []string{authorizedKey},
		Sudo:              []string{"ALL=(ALL) NOPASSWD:ALL"},
		Groups:            "sudo",
		Shell:             "/bin/bash",
	}
}

// UserData renders the document that creates username and authorizes key.
func UserData(username, authorizedKey string) ([]byte, error) {
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	if strings.TrimSpace(authorizedKey) == "" {
		return nil, fmt.Errorf("authorized key is required")
	}
	return Config{Users: []User{SudoUser(username, strings.TrimSpace(authorizedKey))}}.Render()
}

// Render encodes c with the cloud-config header.
func (c Config) Render() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(Header)

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode cloud-config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode cloud-config: %w", err)
	}
	return buf.Bytes(), nil
}
