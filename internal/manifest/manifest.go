// Package manifest records what a run provisioned and writes it to disk.
package manifest

import (
	"encoding/base64"
	"strconv"
	"time"
)

// Header is the column order of nested_list.csv.
var Header = []string{"container_name", "ssh_port", "web_port", "user", "e_mail", "key64"}

// FailureHeader is the column order of failures.csv.
var FailureHeader = []string{"row", "container_name", "e_mail", "state", "kind", "reason"}

// Record is one provisioned participant.
type Record struct {
	Index         int
	ContainerName string
	SSHPort       int
	WebPort       int
	User          string
	Email         string
	Address       string
	PrivateKeyPEM []byte
}

// Key64 returns the PEM private key base64-encoded, as stored in the CSV.
func (r Record) Key64() string {
	return base64.StdEncoding.EncodeToString(r.PrivateKeyPEM)
}

// Row returns the CSV fields of r in Header order.
func (r Record) Row() []string {
	return []string{
		r.ContainerName,
		strconv.Itoa(r.SSHPort),
		strconv.Itoa(r.WebPort),
		r.User,
		r.Email,
		r.Key64(),
	}
}

// Failure is a participant that could not be provisioned.
type Failure struct {
	Index         int
	ContainerName string
	Email         string
	State         string
	Kind          string
	Reason        string
}

// Row returns the CSV fields of f in FailureHeader order. Rows are 1-based.
func (f Failure) Row() []string {
	return []string{
		strconv.Itoa(f.Index + 1),
		f.ContainerName,
		f.Email,
		f.State,
		f.Kind,
		f.Reason,
	}
}

// Manifest is the outcome of one run. Records and Failures are ordered by
// roster index.
type Manifest struct {
	RunID         string
	ListenAddress string
	StartedAt     time.Time
	FinishedAt    time.Time
	Total         int
	Records       []Record
	Failures      []Failure
}

// Complete reports whether every participant was provisioned.
func (m *Manifest) Complete() bool {
	return len(m.Failures) == 0 && len(m.Records) == m.Total
}
