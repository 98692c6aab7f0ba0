package credential

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-live/pkg/live/events"
	"github.com/vango-go/vai-live/pkg/live/lifecycle"
	"github.com/vango-go/vai-live/pkg/live/metrics"
)

const refreshTimeout = 15 * time.Second

// Update is published after every issue attempt.
type Update struct {
	Credential Credential
	Err        error
}

type Options struct {
	Issuer      Issuer
	Constraints Constraints
	RefreshLead time.Duration

	// Timers is shared with the rest of the session. A private group is
	// created when nil.
	Timers  *lifecycle.Timers
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Provider owns the current credential and renews it before its
// new-session window closes.
type Provider struct {
	issuer      Issuer
	constraints Constraints
	lead        time.Duration
	timers      *lifecycle.Timers
	now         func() time.Time
	logger      *slog.Logger
	metrics     *metrics.Metrics
	updates     *events.Broadcaster[Update]

	issueMu sync.Mutex

	mu      sync.Mutex
	current Credential
	has     bool
	stopped bool
}

func NewProvider(opts Options) (*Provider, error) {
	if opts.Issuer == nil {
		return nil, fmt.Errorf("credential provider requires an issuer")
	}
	if opts.RefreshLead <= 0 {
		opts.RefreshLead = DefaultRefreshLead
	}
	if opts.Timers == nil {
		opts.Timers = lifecycle.NewTimers()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Provider{
		issuer:      opts.Issuer,
		constraints: opts.Constraints.WithDefaults(),
		lead:        opts.RefreshLead,
		timers:      opts.Timers,
		now:         opts.Now,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		updates:     events.NewBroadcaster[Update](8),
	}, nil
}

// Issue requests a new credential for c, stores it and schedules its refresh.
// A zero c uses the provider's configured constraints.
func (p *Provider) Issue(ctx context.Context, c Constraints) (Credential, error) {
	p.mu.Lock()
	p.stopped = false
	p.mu.Unlock()
	return p.issue(ctx, c)
}

func (p *Provider) issue(ctx context.Context, c Constraints) (Credential, error) {
	if c.Model == "" {
		c = p.constraints
	}
	c = c.WithDefaults()
	if err := c.Validate(); err != nil {
		p.updates.Publish(Update{Err: err})
		return Credential{}, err
	}

	p.issueMu.Lock()
	defer p.issueMu.Unlock()

	cred, err := p.issuer.Issue(ctx, c)
	if err == nil && cred.Token == "" {
		err = fmt.Errorf("issuer returned an empty token")
	}
	if err != nil {
		err = fmt.Errorf("issue credential: %w", err)
		p.metrics.RecordCredentialIssue("error")
		p.logger.Warn("credential issue failed", "model", c.Model, "error", err)
		p.updates.Publish(Update{Err: err})
		return Credential{}, err
	}
	p.metrics.RecordCredentialIssue("ok")

	p.mu.Lock()
	p.current = cred
	p.has = true
	stopped := p.stopped
	p.mu.Unlock()

	p.logger.Debug("credential issued",
		"expire_time", cred.ExpireTime,
		"new_session_expire_time", cred.NewSessionExpireTime,
		"uses", cred.RemainingUses)
	p.updates.Publish(Update{Credential: cred})

	if !stopped {
		p.scheduleRefresh(cred)
	}
	return cred, nil
}

// scheduleRefresh arms the refresh timer RefreshLead before the new-session
// window closes. When the window is shorter than the lead the refresh runs
// halfway through it instead.
func (p *Provider) scheduleRefresh(cred Credential) {
	window := cred.NewSessionTimeLeft(p.now())
	if window <= 0 {
		return
	}
	delay := window - p.lead
	if delay <= 0 {
		delay = window / 2
	}
	p.timers.Schedule(lifecycle.TimerCredentialRefresh, delay, p.refresh)
}

func (p *Provider) refresh() {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	// A failure is published by issue and ends the chain until the next
	// explicit Issue or EnsureValid.
	_, _ = p.issue(ctx, Constraints{})
}

// EnsureValid re-issues synchronously when the cached credential cannot
// open a new connection or its new-session window is inside the refresh
// lead. Otherwise it reports the cached validity and re-arms the refresh if
// Stop cancelled it.
func (p *Provider) EnsureValid(ctx context.Context) (bool, error) {
	now := p.now()
	cred, ok := p.Current()
	if ok && cred.CanStartNewSession(now) && cred.NewSessionTimeLeft(now) >= p.lead {
		p.mu.Lock()
		p.stopped = false
		p.mu.Unlock()
		if !p.timers.Pending(lifecycle.TimerCredentialRefresh) {
			p.scheduleRefresh(cred)
		}
		return true, nil
	}
	cred, err := p.Issue(ctx, Constraints{})
	if err != nil {
		return false, err
	}
	return cred.CanStartNewSession(p.now()), nil
}

// Current returns the cached credential, if any.
func (p *Provider) Current() (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.has
}

// MarkUsed records that the current credential opened a connection.
func (p *Provider) MarkUsed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.has && p.current.RemainingUses > 0 {
		p.current.RemainingUses--
	}
}

// Subscribe streams issue results until the returned function is called.
func (p *Provider) Subscribe() (<-chan Update, func()) {
	return p.updates.Subscribe()
}

// Stop cancels the pending refresh. A refresh already in flight still stores
// its result but does not reschedule.
func (p *Provider) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.timers.Cancel(lifecycle.TimerCredentialRefresh)
}
