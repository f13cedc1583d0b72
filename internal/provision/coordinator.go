package provision

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/firefly-engineering/nest-ctl/internal/cloudinit"
	"github.com/firefly-engineering/nest-ctl/internal/credential"
	"github.com/firefly-engineering/nest-ctl/internal/errors"
	"github.com/firefly-engineering/nest-ctl/internal/forward"
	"github.com/firefly-engineering/nest-ctl/internal/health"
	"github.com/firefly-engineering/nest-ctl/internal/hypervisor"
	"github.com/firefly-engineering/nest-ctl/internal/infra"
	"github.com/firefly-engineering/nest-ctl/internal/logging"
	"github.com/firefly-engineering/nest-ctl/internal/manifest"
	"github.com/firefly-engineering/nest-ctl/internal/network"
	"github.com/firefly-engineering/nest-ctl/internal/roster"
)

// UserDataKey is the instance config key cloud-init reads user data from.
const UserDataKey = "user.user-data"

// Coordinator provisions one container per participant.
type Coordinator struct {
	client         hypervisor.Client
	settings       Settings
	bootstrapper   *infra.Bootstrapper
	issuer         credential.Issuer
	resolver       Resolver
	observer       Observer
	finalizer      Finalizer
	forwardBackOff func() backoff.BackOff
	logger         *slog.Logger
	now            func() time.Time

	mu sync.Mutex
}

// Result is the outcome of Run.
type Result struct {
	RunID          string
	ListenAddress  string
	Infrastructure *infra.Report
	Manifest       *manifest.Manifest
	Failures       []manifest.Failure
	Canceled       bool
}

// New creates a Coordinator. Unset collaborators get their defaults: the
// nestbr0/nestpr0 bootstrapper, a 2048-bit RSA issuer and the network
// resolver.
func New(client hypervisor.Client, settings Settings, opts ...Option) *Coordinator {
	c := &Coordinator{
		client:   client,
		settings: settings,
		issuer:   credential.NewGenerator(),
		resolver: network.NewResolver(),
		logger:   logging.Logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.bootstrapper == nil {
		c.bootstrapper = infra.New(client, infra.WithLogger(c.logger))
	}
	if c.settings.Parallelism < 1 {
		c.settings.Parallelism = 1
	}
	return c
}

// outcome is the result slot of one participant, written only by the
// goroutine that owns it.
type outcome struct {
	record  *manifest.Record
	failure *manifest.Failure
}

// Run reconciles the shared infrastructure and provisions participants in
// roster order, at most Parallelism at a time.
//
// Errors before the participant loop (listen address, bootstrap) return a
// nil Result. Participant failures are reported in Result.Failures and do
// not stop the run unless FailFast is set. Canceling ctx stops issuing new
// participants; those already issued run to completion. The finalizer is
// called exactly once for every run that reaches the participant loop.
func (c *Coordinator) Run(ctx context.Context, participants []roster.Participant) (*Result, error) {
	runID := uuid.NewString()
	log := logging.ForRun(c.logger, runID)
	started := c.now()

	c.emit(Event{RunID: runID, Index: -1, RunState: RunInit})

	if err := c.settings.Ports.Validate(len(participants)); err != nil {
		return nil, errors.ConfigError("invalid port range", err)
	}

	listen, err := c.resolver.Resolve(ctx, c.settings.ListenMode, c.settings.ListenAddress)
	if err != nil {
		return nil, errors.InfrastructureError("listen address resolution", err)
	}
	listenAddress := listen.String()
	log.Info("using listen address", "address", listenAddress, "mode", c.settings.ListenMode)

	report, err := c.bootstrap(ctx, runID, listenAddress)
	if err != nil {
		return nil, err
	}

	c.emit(Event{RunID: runID, Index: -1, RunState: RunParticipantLoop})

	allocOpts := []forward.Option{
		forward.WithMaxRetries(c.settings.ForwardRetries),
		forward.WithLogger(log),
	}
	if c.forwardBackOff != nil {
		allocOpts = append(allocOpts, forward.WithBackOff(c.forwardBackOff))
	}
	allocator := forward.NewAllocator(c.client, c.bootstrapper.NetworkName(), listenAddress, allocOpts...)

	outcomes := make([]outcome, len(participants))

	// issueCtx gates the start of participant work. Work that has started
	// runs on a context that ignores cancellation so that a started
	// container always gets its forwards.
	issueCtx, stopIssuing := context.WithCancel(ctx)
	defer stopIssuing()
	work := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(c.settings.Parallelism)

	for i := range participants {
		p := participants[i]
		c.emit(Event{RunID: runID, Index: i, Container: p.ContainerName(), State: StatePending})

		if issueCtx.Err() != nil {
			outcomes[i].failure = c.canceled(issueCtx, runID, i, p)
			continue
		}

		g.Go(func() error {
			if issueCtx.Err() != nil {
				outcomes[i].failure = c.canceled(issueCtx, runID, i, p)
				return nil
			}
			rec, fail := c.provisionOne(work, log, runID, i, p, allocator)
			outcomes[i] = outcome{record: rec, failure: fail}
			if fail != nil && c.settings.FailFast {
				log.Warn("fail-fast: no further participants will be started", "container", p.ContainerName())
				stopIssuing()
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers report through outcomes

	m := &manifest.Manifest{
		RunID:         runID,
		ListenAddress: listenAddress,
		StartedAt:     started,
		Total:         len(participants),
	}
	for _, o := range outcomes {
		if o.record != nil {
			m.Records = append(m.Records, *o.record)
		}
		if o.failure != nil {
			m.Failures = append(m.Failures, *o.failure)
		}
	}
	m.FinishedAt = c.now()

	result := &Result{
		RunID:          runID,
		ListenAddress:  listenAddress,
		Infrastructure: report,
		Manifest:       m,
		Failures:       m.Failures,
		Canceled:       ctx.Err() != nil,
	}

	var finalizeErr error
	if c.finalizer != nil {
		finalizeErr = c.finalizer.Finalize(work, m)
	}
	c.emit(Event{RunID: runID, Index: -1, RunState: RunFinalized, Err: finalizeErr})

	log.Info("run finished",
		"provisioned", len(m.Records),
		"failed", len(m.Failures),
		"duration", m.FinishedAt.Sub(started).Round(time.Millisecond))

	if finalizeErr != nil {
		return result, finalizeErr
	}
	return result, nil
}

func (c *Coordinator) bootstrap(ctx context.Context, runID, listenAddress string) (*infra.Report, error) {
	report := &infra.Report{}
	var err error

	if report.Network, err = c.bootstrapper.EnsureNetwork(ctx); err != nil {
		return nil, err
	}
	if report.ForwardTable, err = c.bootstrapper.EnsureForwardTable(ctx, listenAddress); err != nil {
		return nil, err
	}
	c.emit(Event{RunID: runID, Index: -1, RunState: RunNetworkReady})

	if report.Profile, err = c.bootstrapper.EnsureProfile(ctx); err != nil {
		return nil, err
	}
	c.emit(Event{RunID: runID, Index: -1, RunState: RunProfileReady})
	return report, nil
}

// provisionOne walks one participant through every state. It returns
// either a record or a failure.
func (c *Coordinator) provisionOne(ctx context.Context, log *slog.Logger, runID string, index int, p roster.Participant, allocator *forward.Allocator) (*manifest.Record, *manifest.Failure) {
	name := p.ContainerName()
	user := p.Username()
	ports := c.settings.Ports.For(index)
	log = log.With("container", name, "index", index)

	state := StatePending
	advance := func(next State, ev Event) {
		state = next
		ev.RunID, ev.Index, ev.Container, ev.State = runID, index, name, next
		c.emit(ev)
	}
	fail := func(err error) (*manifest.Record, *manifest.Failure) {
		log.Error("participant failed", "state", state, "error", err)
		c.emit(Event{RunID: runID, Index: index, Container: name, State: StateFailed, Ports: ports, Err: err})
		return nil, &manifest.Failure{
			Index:         index,
			ContainerName: name,
			Email:         p.Email,
			State:         string(state),
			Kind:          string(errors.KindOf(err)),
			Reason:        err.Error(),
		}
	}

	log.Info("provisioning participant", "name", p.FullName(), "user", user, "ssh_port", ports.SSH, "web_port", ports.Web)

	// A port already in the table would leave a running container without
	// forwards, so it is refused before anything is created.
	if err := allocator.Available(ctx, ports.SSH, ports.Web); err != nil {
		return fail(err)
	}

	key, err := c.issuer.Issue()
	if err != nil {
		return fail(err)
	}
	advance(StateCredentialIssued, Event{})

	userData, err := cloudinit.UserData(user, key.AuthorizedKey)
	if err != nil {
		return fail(errors.CredentialError(err))
	}

	exists, err := c.client.InstanceExists(ctx, name)
	if err != nil {
		return fail(errors.ContainerCreateError("lookup", name, err))
	}
	if exists {
		return fail(errors.ContainerCreateError("create", name, fmt.Errorf("instance %s: %w", name, hypervisor.ErrAlreadyExists)))
	}

	spec := hypervisor.InstanceSpec{
		Name:     name,
		Source:   c.settings.Image,
		Profiles: []string{"default", c.bootstrapper.ProfileName()},
		Config:   map[string]string{UserDataKey: string(userData)},
	}
	if err := c.client.CreateInstance(ctx, spec); err != nil {
		return fail(errors.ContainerCreateError("create", name, err))
	}
	advance(StateContainerCreated, Event{})

	if err := c.client.StartInstance(ctx, name); err != nil {
		return fail(errors.ContainerCreateError("start", name, err))
	}
	advance(StateContainerStarted, Event{})

	addr, err := health.WaitForAddress(ctx, c.client, name, c.settings.Poll)
	if err != nil {
		return fail(err)
	}
	advance(StateAddressResolved, Event{Address: addr.String()})

	rules := []hypervisor.ForwardRule{
		{
			ListenPort:    ports.SSH,
			TargetAddress: addr.String(),
			TargetPort:    network.SSHTargetPort,
			Protocol:      network.Protocol,
			Description:   "ssh " + name,
		},
		{
			ListenPort:    ports.Web,
			TargetAddress: addr.String(),
			TargetPort:    network.WebTargetPort,
			Protocol:      network.Protocol,
			Description:   "web " + name,
		},
	}
	if err := allocator.AllocateAll(ctx, rules...); err != nil {
		return fail(err)
	}
	advance(StatePortsAllocated, Event{Ports: ports, Address: addr.String()})

	rec := &manifest.Record{
		Index:         index,
		ContainerName: name,
		SSHPort:       ports.SSH,
		WebPort:       ports.Web,
		User:          user,
		Email:         p.Email,
		Address:       addr.String(),
		PrivateKeyPEM: key.PrivatePEM,
	}
	advance(StateRecordAppended, Event{Ports: ports, Address: addr.String()})
	log.Info("participant ready", "address", addr, "ssh_port", ports.SSH, "web_port", ports.Web)
	return rec, nil
}

func (c *Coordinator) canceled(ctx context.Context, runID string, index int, p roster.Participant) *manifest.Failure {
	err := errors.Canceled(context.Cause(ctx))
	c.emit(Event{RunID: runID, Index: index, Container: p.ContainerName(), State: StateFailed, Err: err})
	return &manifest.Failure{
		Index:         index,
		ContainerName: p.ContainerName(),
		Email:         p.Email,
		State:         string(StatePending),
		Kind:          string(errors.KindCanceled),
		Reason:        err.Error(),
	}
}

func (c *Coordinator) emit(e Event) {
	if c.observer == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = c.now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer.Observe(e)
}
