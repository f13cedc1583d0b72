// Package testutil provides test utilities for integration tests
package testutil

import (
	"context"
	"encoding/csv"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/firefly-engineering/nest-ctl/internal/app"
	"github.com/firefly-engineering/nest-ctl/internal/config"
	"github.com/firefly-engineering/nest-ctl/internal/credential"
	"github.com/firefly-engineering/nest-ctl/internal/hypervisor"
	"github.com/firefly-engineering/nest-ctl/internal/network"
	"github.com/firefly-engineering/nest-ctl/internal/provision"
	"github.com/firefly-engineering/nest-ctl/internal/roster"
)

// ListenAddress is the explicit listen address used by test environments.
const ListenAddress = "203.0.113.10"

// TestEnv holds the test environment
type TestEnv struct {
	T         *testing.T
	TmpDir    string
	OutputDir string
	Config    *config.Config
	Client    *hypervisor.MockClient
	Issuer    *SharedIssuer
	App       *app.App
	cleanup   func()
}

// NewTestEnv creates a new test environment backed by the mock hypervisor.
// Instances get their IPv4 address on the second state query and polling
// runs every millisecond.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	tmpDir := t.TempDir()
	outputDir := filepath.Join(tmpDir, "output")
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		t.Fatalf("Failed to create directory %s: %v", outputDir, err)
	}

	cfg := config.Default()
	cfg.ListenMode = string(network.ListenExplicit)
	cfg.ListenAddress = ListenAddress
	cfg.OutputDir = outputDir
	cfg.PollInterval = time.Millisecond
	cfg.PollAttempts = 5
	cfg.ForwardRetries = 3

	client := hypervisor.NewMockClient()
	client.AddressAfter = 1

	testApp := app.New(
		app.WithConfig(cfg),
		app.WithClient(client),
	)

	// Save original default and set test app
	originalDefault := app.Default
	app.SetDefault(testApp)

	env := &TestEnv{
		T:         t,
		TmpDir:    tmpDir,
		OutputDir: outputDir,
		Config:    cfg,
		Client:    client,
		Issuer:    NewSharedIssuer(t),
		App:       testApp,
		cleanup: func() {
			app.SetDefault(originalDefault)
		},
	}
	t.Cleanup(env.Cleanup)

	return env
}

// Cleanup restores the original app default
func (e *TestEnv) Cleanup() {
	if e.cleanup != nil {
		e.cleanup()
		e.cleanup = nil
	}
}

// CoordinatorOptions returns the options that make a coordinator fast in
// tests: the shared issuer, the static resolver and a zero forward backoff.
func (e *TestEnv) CoordinatorOptions() []provision.Option {
	return []provision.Option{
		provision.WithIssuer(e.Issuer),
		provision.WithResolver(StaticResolver{Addr: netip.MustParseAddr(ListenAddress)}),
		provision.WithForwardBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	}
}

// Coordinator builds a coordinator for the environment with
// CoordinatorOptions. opts are applied last.
func (e *TestEnv) Coordinator(opts ...provision.Option) *provision.Coordinator {
	e.T.Helper()

	c, err := e.App.Coordinator(context.Background(), append(e.CoordinatorOptions(), opts...)...)
	if err != nil {
		e.T.Fatalf("Failed to build coordinator: %v", err)
	}
	return c
}

// WriteRoster writes a roster CSV with one "First Last email" line per
// participant and returns its path.
func (e *TestEnv) WriteRoster(lines ...string) string {
	e.T.Helper()

	path := filepath.Join(e.TmpDir, "roster.csv")
	f, err := os.Create(path)
	if err != nil {
		e.T.Fatalf("Failed to create roster: %v", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	rows := [][]string{{roster.ColumnFirstName, roster.ColumnLastName, roster.ColumnEmail}}
	for _, p := range Participants(lines...) {
		rows = append(rows, []string{p.FirstName, p.LastName, p.Email})
	}
	if err := w.WriteAll(rows); err != nil {
		e.T.Fatalf("Failed to write roster: %v", err)
	}
	return path
}

// Participants builds participants from "First Last email" lines. The
// last field is the address and the first is the first name; everything
// between is the last name.
func Participants(lines ...string) []roster.Participant {
	participants := make([]roster.Participant, 0, len(lines))
	for i, line := range lines {
		fields := strings.Fields(line)
		p := roster.Participant{Index: i}
		if n := len(fields); n >= 3 {
			p.FirstName = fields[0]
			p.LastName = strings.Join(fields[1:n-1], " ")
			p.Email = fields[n-1]
		}
		participants = append(participants, p)
	}
	return participants
}

// StaticResolver always resolves to Addr.
type StaticResolver struct {
	Addr netip.Addr
	Err  error
}

// Resolve returns the fixed address or error.
func (r StaticResolver) Resolve(_ context.Context, _ network.ListenMode, _ string) (netip.Addr, error) {
	if r.Err != nil {
		return netip.Addr{}, r.Err
	}
	return r.Addr, nil
}

var (
	sharedKeyOnce sync.Once
	sharedKey     *credential.KeyPair
	sharedKeyErr  error
)

// SharedIssuer hands out one pre-generated key pair so tests do not pay
// for RSA generation per participant.
type SharedIssuer struct {
	mu     sync.Mutex
	key    *credential.KeyPair
	issued int

	// Err, when set, is returned instead of a key.
	Err error
}

// NewSharedIssuer returns an issuer backed by a key generated once per
// test binary.
func NewSharedIssuer(t *testing.T) *SharedIssuer {
	t.Helper()

	sharedKeyOnce.Do(func() {
		sharedKey, sharedKeyErr = credential.NewGenerator().Issue()
	})
	if sharedKeyErr != nil {
		t.Fatalf("Failed to generate key: %v", sharedKeyErr)
	}
	return &SharedIssuer{key: sharedKey}
}

// Issue returns a copy of the shared key pair.
func (s *SharedIssuer) Issue() (*credential.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	s.issued++
	kp := *s.key
	kp.PrivatePEM = append([]byte(nil), s.key.PrivatePEM...)
	return &kp, nil
}

// Key returns the shared key pair.
func (s *SharedIssuer) Key() *credential.KeyPair {
	return s.key
}

// Issued returns how many keys were handed out.
func (s *SharedIssuer) Issued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issued
}
