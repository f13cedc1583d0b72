package provision_test

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/firefly-engineering/nest-ctl/internal/cloudinit"
	"github.com/firefly-engineering/nest-ctl/internal/errors"
	"github.com/firefly-engineering/nest-ctl/internal/hypervisor"
	"github.com/firefly-engineering/nest-ctl/internal/infra"
	"github.com/firefly-engineering/nest-ctl/internal/manifest"
	"github.com/firefly-engineering/nest-ctl/internal/network"
	"github.com/firefly-engineering/nest-ctl/internal/provision"
	"github.com/firefly-engineering/nest-ctl/internal/testutil"
)

// countingFinalizer records how often it ran and the manifest it got.
type countingFinalizer struct {
	calls    atomic.Int32
	manifest *manifest.Manifest
	err      error
}

func (f *countingFinalizer) Finalize(_ context.Context, m *manifest.Manifest) error {
	f.calls.Add(1)
	f.manifest = m
	return f.err
}

func TestRun_SingleParticipant(t *testing.T) {
	env := testutil.NewTestEnv(t)
	fin := &countingFinalizer{}

	result, err := env.Coordinator(provision.WithFinalizer(fin)).
		Run(context.Background(), testutil.Participants("Ann Lee ann@x.com"))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if result.ListenAddress != testutil.ListenAddress {
		t.Errorf("ListenAddress = %q, want %q", result.ListenAddress, testutil.ListenAddress)
	}
	if len(result.Manifest.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(result.Manifest.Records))
	}
	rec := result.Manifest.Records[0]
	if rec.ContainerName != "Nest-An-Lee" {
		t.Errorf("ContainerName = %q, want %q", rec.ContainerName, "Nest-An-Lee")
	}
	if rec.SSHPort != 52200 || rec.WebPort != 58000 {
		t.Errorf("ports = %d/%d, want 52200/58000", rec.SSHPort, rec.WebPort)
	}
	if rec.User != "ann" || rec.Email != "ann@x.com" {
		t.Errorf("user/email = %q/%q", rec.User, rec.Email)
	}

	pemBytes, err := base64.StdEncoding.DecodeString(rec.Key64())
	if err != nil {
		t.Fatalf("key64 does not decode: %v", err)
	}
	if _, err := ssh.ParsePrivateKey(pemBytes); err != nil {
		t.Errorf("key64 is not a private key: %v", err)
	}

	if fin.calls.Load() != 1 {
		t.Errorf("finalizer calls = %d, want 1", fin.calls.Load())
	}
	if fin.manifest != result.Manifest {
		t.Error("finalizer should receive the run manifest")
	}
	if !result.Manifest.Complete() {
		t.Error("manifest should be complete")
	}
	if !result.Infrastructure.Created() {
		t.Error("fresh host should report created infrastructure")
	}
}

func TestRun_InstanceAndForwards(t *testing.T) {
	env := testutil.NewTestEnv(t)

	result, err := env.Coordinator().Run(context.Background(), testutil.Participants("Ann Lee ann@x.com"))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	rec := result.Manifest.Records[0]

	inst, ok := env.Client.Instances["Nest-An-Lee"]
	if !ok {
		t.Fatal("instance not created")
	}
	if inst.Status != hypervisor.StatusRunning {
		t.Errorf("Status = %s, want Running", inst.Status)
	}
	if !slices.Contains(inst.Spec.Profiles, network.ProfileName) {
		t.Errorf("Profiles = %v, want %s", inst.Spec.Profiles, network.ProfileName)
	}

	userData := inst.Spec.Config[provision.UserDataKey]
	if !strings.HasPrefix(userData, cloudinit.Header) {
		t.Errorf("user data lacks the %q header", cloudinit.Header)
	}
	var doc cloudinit.Config
	if err := yaml.Unmarshal([]byte(userData), &doc); err != nil {
		t.Fatalf("user data does not parse: %v", err)
	}
	if len(doc.Users) != 1 || doc.Users[0].Name != "ann" {
		t.Fatalf("users = %+v", doc.Users)
	}
	if doc.Users[0].SSHAuthorizedKeys[0] != env.Issuer.Key().AuthorizedKey {
		t.Error("authorized key does not match issued key")
	}

	table := env.Client.ForwardTable(network.BridgeName, testutil.ListenAddress)
	if table == nil {
		t.Fatal("forward table missing")
	}
	want := map[int]int{52200: network.SSHTargetPort, 58000: network.WebTargetPort}
	if len(table.Rules) != len(want) {
		t.Fatalf("rules = %+v", table.Rules)
	}
	for _, r := range table.Rules {
		if want[r.ListenPort] != r.TargetPort {
			t.Errorf("rule %d -> %d, want %d", r.ListenPort, r.TargetPort, want[r.ListenPort])
		}
		if r.TargetAddress != rec.Address {
			t.Errorf("rule %d targets %s, want %s", r.ListenPort, r.TargetAddress, rec.Address)
		}
	}
}

func TestRun_AddressTimeoutSkipsParticipant(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.Client.NeverAddress("Nest-Bo-Marley")

	result, err := env.Coordinator().Run(context.Background(), testutil.Participants(
		"Ann Lee ann@x.com",
		"Bob Marley bob@x.com",
		"Carla Diaz carla@x.com",
	))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	records := result.Manifest.Records
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].ContainerName != "Nest-An-Lee" || records[1].ContainerName != "Nest-Ca-Diaz" {
		t.Errorf("records out of order: %s, %s", records[0].ContainerName, records[1].ContainerName)
	}
	if records[1].SSHPort != 52202 || records[1].WebPort != 58002 {
		t.Errorf("third participant ports = %d/%d, want 52202/58002", records[1].SSHPort, records[1].WebPort)
	}

	if len(result.Failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(result.Failures))
	}
	f := result.Failures[0]
	if f.Index != 1 || f.Kind != string(errors.KindAddressTimeout) {
		t.Errorf("failure = %+v", f)
	}
	if f.State != string(provision.StateContainerStarted) {
		t.Errorf("failure state = %s, want %s", f.State, provision.StateContainerStarted)
	}
	if calls := len(env.Client.GetCallsFor("InstanceState")); calls < env.Config.PollAttempts {
		t.Errorf("InstanceState calls = %d, want at least %d", calls, env.Config.PollAttempts)
	}

	table := env.Client.ForwardTable(network.BridgeName, testutil.ListenAddress)
	if table.HasListenPort(52201) {
		t.Error("failed participant should not get a forward")
	}
}

func TestRun_Parallel(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.Config.Parallelism = 4
	env.Config.ForwardRetries = 100

	var lines []string
	for i := 0; i < 10; i++ {
		lines = append(lines, fmt.Sprintf("P%d Last%d p%d@x.com", i, i, i))
	}

	result, err := env.Coordinator().Run(context.Background(), testutil.Participants(lines...))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(result.Failures) != 0 {
		t.Fatalf("failures = %+v", result.Failures)
	}

	records := result.Manifest.Records
	if len(records) != 10 {
		t.Fatalf("records = %d, want 10", len(records))
	}
	for i, r := range records {
		if r.Index != i {
			t.Errorf("records[%d].Index = %d", i, r.Index)
		}
		if r.SSHPort != 52200+i || r.WebPort != 58000+i {
			t.Errorf("records[%d] ports = %d/%d", i, r.SSHPort, r.WebPort)
		}
	}

	table := env.Client.ForwardTable(network.BridgeName, testutil.ListenAddress)
	if len(table.Rules) != 20 {
		t.Errorf("rules = %d, want 20", len(table.Rules))
	}
	seen := make(map[int]bool)
	for _, r := range table.Rules {
		if seen[r.ListenPort] {
			t.Errorf("listen port %d allocated twice", r.ListenPort)
		}
		seen[r.ListenPort] = true
	}
}

func TestRun_FailFast(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.Config.FailFast = true
	env.Client.NeverAddress("Nest-An-Lee")

	result, err := env.Coordinator().Run(context.Background(), testutil.Participants(
		"Ann Lee ann@x.com",
		"Bob Marley bob@x.com",
		"Carla Diaz carla@x.com",
	))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(result.Manifest.Records) != 0 {
		t.Errorf("records = %d, want 0", len(result.Manifest.Records))
	}
	if len(result.Failures) != 3 {
		t.Fatalf("failures = %d, want 3", len(result.Failures))
	}
	if result.Failures[0].Kind != string(errors.KindAddressTimeout) {
		t.Errorf("first failure kind = %s", result.Failures[0].Kind)
	}
	for _, f := range result.Failures[1:] {
		if f.Kind != string(errors.KindCanceled) {
			t.Errorf("failure %d kind = %s, want canceled", f.Index, f.Kind)
		}
	}
	if got := len(env.Client.GetCallsFor("CreateInstance")); got != 1 {
		t.Errorf("CreateInstance calls = %d, want 1", got)
	}
}

func TestRun_CanceledBeforeStart(t *testing.T) {
	env := testutil.NewTestEnv(t)
	fin := &countingFinalizer{}
	rec := &provision.Recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := env.Coordinator(provision.WithFinalizer(fin), provision.WithObserver(rec)).
		Run(ctx, testutil.Participants("Ann Lee ann@x.com", "Bob Marley bob@x.com"))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if !result.Canceled {
		t.Error("result should be marked canceled")
	}
	if fin.calls.Load() != 1 {
		t.Errorf("finalizer calls = %d, want 1", fin.calls.Load())
	}
	if len(fin.manifest.Failures) != 2 {
		t.Errorf("failures = %d, want 2", len(fin.manifest.Failures))
	}
	for _, f := range result.Failures {
		if f.Kind != string(errors.KindCanceled) || f.State != string(provision.StatePending) {
			t.Errorf("failure = %+v", f)
		}
	}
	if got := len(env.Client.GetCallsFor("CreateInstance")); got != 0 {
		t.Errorf("CreateInstance calls = %d, want 0", got)
	}
	if states := rec.For(0); !slices.Equal(states, []provision.State{provision.StatePending, provision.StateFailed}) {
		t.Errorf("states = %v", states)
	}
	if env.Issuer.Issued() != 0 {
		t.Errorf("issued = %d, want 0", env.Issuer.Issued())
	}
}

func TestRun_CanceledWhileParticipantInFlight(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.Client.AddressAfter = 3
	fin := &countingFinalizer{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopOnStart := provision.ObserverFunc(func(e provision.Event) {
		if e.Index == 0 && e.State == provision.StateContainerStarted {
			cancel()
		}
	})

	result, err := env.Coordinator(provision.WithFinalizer(fin), provision.WithObserver(stopOnStart)).
		Run(ctx, testutil.Participants("Ann Lee ann@x.com", "Bob Marley bob@x.com"))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if !result.Canceled {
		t.Error("result should be marked canceled")
	}
	if fin.calls.Load() != 1 {
		t.Errorf("finalizer calls = %d, want 1", fin.calls.Load())
	}
	if len(result.Manifest.Records) != 1 || result.Manifest.Records[0].ContainerName != "Nest-An-Lee" {
		t.Fatalf("records = %+v, the started container must finish", result.Manifest.Records)
	}
	if len(result.Failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(result.Failures))
	}
	if f := result.Failures[0]; f.Index != 1 || f.Kind != string(errors.KindCanceled) {
		t.Errorf("failure = %+v, want participant 1 canceled", f)
	}

	table := env.Client.ForwardTable(network.BridgeName, testutil.ListenAddress)
	for _, port := range []int{52200, 58000} {
		if !table.HasListenPort(port) {
			t.Errorf("listen port %d missing from the forward table", port)
		}
	}
	if len(table.Rules) != 2 {
		t.Errorf("rules = %d, want 2", len(table.Rules))
	}
	if got := len(env.Client.GetCallsFor("CreateInstance")); got != 1 {
		t.Errorf("CreateInstance calls = %d, want 1", got)
	}
}

func TestRun_StateSequence(t *testing.T) {
	env := testutil.NewTestEnv(t)
	rec := &provision.Recorder{}

	if _, err := env.Coordinator(provision.WithObserver(rec)).
		Run(context.Background(), testutil.Participants("Ann Lee ann@x.com")); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	want := []provision.State{
		provision.StatePending,
		provision.StateCredentialIssued,
		provision.StateContainerCreated,
		provision.StateContainerStarted,
		provision.StateAddressResolved,
		provision.StatePortsAllocated,
		provision.StateRecordAppended,
	}
	if got := rec.For(0); !slices.Equal(got, want) {
		t.Errorf("participant states = %v, want %v", got, want)
	}

	var runStates []provision.RunState
	runID := ""
	for _, e := range rec.Events() {
		if runID == "" {
			runID = e.RunID
		}
		if e.RunID != runID {
			t.Errorf("event run id = %q, want %q", e.RunID, runID)
		}
		if e.IsRun() {
			runStates = append(runStates, e.RunState)
		}
	}
	wantRun := []provision.RunState{
		provision.RunInit,
		provision.RunNetworkReady,
		provision.RunProfileReady,
		provision.RunParticipantLoop,
		provision.RunFinalized,
	}
	if !slices.Equal(runStates, wantRun) {
		t.Errorf("run states = %v, want %v", runStates, wantRun)
	}
}

func TestRun_AbortsBeforeParticipants(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(env *testutil.TestEnv) []provision.Option
		wantCode int
	}{
		{
			name: "listen address resolution",
			setup: func(env *testutil.TestEnv) []provision.Option {
				return []provision.Option{provision.WithResolver(testutil.StaticResolver{Err: stderrors.New("no route")})}
			},
			wantCode: errors.ExitInfrastructure,
		},
		{
			name: "network creation",
			setup: func(env *testutil.TestEnv) []provision.Option {
				env.Client.SetError("CreateNetwork", stderrors.New("permission denied"))
				return nil
			},
			wantCode: errors.ExitInfrastructure,
		},
		{
			name: "profile creation",
			setup: func(env *testutil.TestEnv) []provision.Option {
				env.Client.SetError("CreateProfile", stderrors.New("permission denied"))
				return nil
			},
			wantCode: errors.ExitInfrastructure,
		},
		{
			name: "port range",
			setup: func(env *testutil.TestEnv) []provision.Option {
				env.Config.SSHPortStart = 65535
				return nil
			},
			wantCode: errors.ExitConfigError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testutil.NewTestEnv(t)
			fin := &countingFinalizer{}
			opts := append(tt.setup(env), provision.WithFinalizer(fin))

			result, err := env.Coordinator(opts...).Run(context.Background(), testutil.Participants(
				"Ann Lee ann@x.com",
				"Bob Marley bob@x.com",
			))
			if err == nil {
				t.Fatal("expected error")
			}
			if result != nil {
				t.Errorf("result = %+v, want nil", result)
			}
			if code := errors.GetExitCode(err); code != tt.wantCode {
				t.Errorf("exit code = %d, want %d", code, tt.wantCode)
			}
			if fin.calls.Load() != 0 {
				t.Error("finalizer should not run when the run aborts early")
			}
			if got := len(env.Client.GetCallsFor("CreateInstance")); got != 0 {
				t.Errorf("CreateInstance calls = %d, want 0", got)
			}
		})
	}
}

func TestRun_ExistingInstance(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.Client.Instances["Nest-An-Lee"] = &hypervisor.MockInstance{Status: hypervisor.StatusRunning}

	result, err := env.Coordinator().Run(context.Background(), testutil.Participants(
		"Ann Lee ann@x.com",
		"Bob Marley bob@x.com",
	))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(result.Failures) != 1 || result.Failures[0].Kind != string(errors.KindContainerCreate) {
		t.Fatalf("failures = %+v", result.Failures)
	}
	if !strings.Contains(result.Failures[0].Reason, "already exists") {
		t.Errorf("reason = %q, want it to mention the existing instance", result.Failures[0].Reason)
	}
	if len(result.Manifest.Records) != 1 || result.Manifest.Records[0].SSHPort != 52201 {
		t.Errorf("records = %+v", result.Manifest.Records)
	}
}

func TestRun_CredentialFailure(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.Issuer.Err = stderrors.New("entropy exhausted")

	result, err := env.Coordinator().Run(context.Background(), testutil.Participants("Ann Lee ann@x.com"))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(result.Failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(result.Failures))
	}
	if f := result.Failures[0]; f.State != string(provision.StatePending) {
		t.Errorf("failure state = %s, want Pending", f.State)
	}
	if got := len(env.Client.GetCallsFor("CreateInstance")); got != 0 {
		t.Errorf("CreateInstance calls = %d, want 0", got)
	}
}

func TestRun_StaleForwardsRecover(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.Client.InjectStaleWrites(2)

	result, err := env.Coordinator().Run(context.Background(), testutil.Participants("Ann Lee ann@x.com"))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(result.Manifest.Records) != 1 {
		t.Fatalf("failures = %+v", result.Failures)
	}
	if got := len(env.Client.GetCallsFor("ReplaceForwardTable")); got != 3 {
		t.Errorf("ReplaceForwardTable calls = %d, want 3", got)
	}
}

func TestRun_ForwardConflict(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.Client.AddForwardTable(&hypervisor.ForwardTable{
		Network:       network.BridgeName,
		ListenAddress: testutil.ListenAddress,
		Rules: []hypervisor.ForwardRule{
			{ListenPort: 52200, TargetAddress: "10.42.9.9", TargetPort: 22, Protocol: network.Protocol},
		},
	})

	result, err := env.Coordinator().Run(context.Background(), testutil.Participants(
		"Ann Lee ann@x.com",
		"Bob Marley bob@x.com",
	))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(result.Failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(result.Failures))
	}
	f := result.Failures[0]
	if f.Kind != string(errors.KindForwardConflict) || f.State != string(provision.StatePending) {
		t.Errorf("failure = %+v", f)
	}
	if _, ok := env.Client.Instances["Nest-An-Lee"]; ok {
		t.Error("no instance should be created for a participant whose ports are taken")
	}
	if got := len(env.Client.GetCallsFor("CreateInstance")); got != 1 {
		t.Errorf("CreateInstance calls = %d, want 1", got)
	}
	if result.Infrastructure.ForwardTable.Action != infra.ActionExisting {
		t.Errorf("forward table action = %s, want existing", result.Infrastructure.ForwardTable.Action)
	}
	if len(result.Manifest.Records) != 1 || result.Manifest.Records[0].User != "bob" {
		t.Errorf("records = %+v", result.Manifest.Records)
	}
}

func TestRun_FinalizerError(t *testing.T) {
	env := testutil.NewTestEnv(t)
	fin := &countingFinalizer{err: errors.OutputError("write list", stderrors.New("disk full"))}

	result, err := env.Coordinator(provision.WithFinalizer(fin)).
		Run(context.Background(), testutil.Participants("Ann Lee ann@x.com"))
	if err == nil {
		t.Fatal("expected error")
	}
	if result == nil || len(result.Manifest.Records) != 1 {
		t.Fatalf("result should still carry the manifest: %+v", result)
	}
	if errors.GetExitCode(err) != errors.ExitOutputError {
		t.Errorf("exit code = %d, want %d", errors.GetExitCode(err), errors.ExitOutputError)
	}
}

func TestRun_SecondRunReusesInfrastructure(t *testing.T) {
	env := testutil.NewTestEnv(t)

	if _, err := env.Coordinator().Run(context.Background(), testutil.Participants("Ann Lee ann@x.com")); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	result, err := env.Coordinator().Run(context.Background(), testutil.Participants("Bob Marley bob@x.com"))
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}

	if result.Infrastructure.Created() {
		t.Error("second run should not create infrastructure")
	}
	if got := len(env.Client.GetCallsFor("CreateNetwork")); got != 1 {
		t.Errorf("CreateNetwork calls = %d, want 1", got)
	}
	// Same roster position, same ports: the first run's rule is still there.
	if len(result.Failures) != 1 || result.Failures[0].Kind != string(errors.KindForwardConflict) {
		t.Errorf("failures = %+v", result.Failures)
	}
	if _, ok := env.Client.Instances["Nest-Bo-Marley"]; ok {
		t.Error("colliding participant must not get an instance")
	}
	if got := len(env.Client.GetCallsFor("CreateInstance")); got != 1 {
		t.Errorf("CreateInstance calls = %d, want 1 (first run only)", got)
	}
}

func TestRun_SecondRunWithOffsetPorts(t *testing.T) {
	env := testutil.NewTestEnv(t)

	if _, err := env.Coordinator().Run(context.Background(), testutil.Participants("Ann Lee ann@x.com")); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	env.Config.SSHPortStart += 10
	env.Config.WebPortStart += 10

	result, err := env.Coordinator().Run(context.Background(), testutil.Participants("Bob Marley bob@x.com"))
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if len(result.Failures) != 0 {
		t.Fatalf("failures = %+v", result.Failures)
	}
	if rec := result.Manifest.Records[0]; rec.SSHPort != 52210 || rec.WebPort != 58010 {
		t.Errorf("ports = %d/%d, want 52210/58010", rec.SSHPort, rec.WebPort)
	}
	if n := len(env.Client.ForwardTable(network.BridgeName, testutil.ListenAddress).Rules); n != 4 {
		t.Errorf("rules = %d, want 4", n)
	}
}

func TestRun_Clock(t *testing.T) {
	env := testutil.NewTestEnv(t)
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := &provision.Recorder{}

	result, err := env.Coordinator(provision.WithClock(func() time.Time { return at }), provision.WithObserver(rec)).
		Run(context.Background(), testutil.Participants("Ann Lee ann@x.com"))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	m := result.Manifest
	if !m.StartedAt.Equal(at) || !m.FinishedAt.Equal(at) {
		t.Errorf("StartedAt/FinishedAt = %v/%v, want %v", m.StartedAt, m.FinishedAt, at)
	}
	for _, e := range rec.Events() {
		if !e.Time.Equal(at) {
			t.Fatalf("event %+v not stamped with the clock", e)
		}
	}
}
