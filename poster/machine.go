package poster

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/poster/selectors"
	"github.com/teranos/postpulse/pulse/jobs"
)

// Stages reported in Failure.Stage
const (
	StageSession  = "session"
	StageCompose  = "compose"
	StagePrepare  = "prepare"
	StageSubmit   = "submit"
	StageClassify = "classify"
	StageVerify   = "verify"
)

// DefaultThreadIDPattern captures the ID from a permalink such as /@name/post/C4x9_a-B
const DefaultThreadIDPattern = `/post/([A-Za-z0-9_-]+)`

// Config controls the post state machine.
type Config struct {
	ComposeURL string
	// ProfileURLTemplate is the account listing; {account} is replaced by the account ID.
	ProfileURLTemplate string
	ThreadIDPattern    string

	WaitTimeout   time.Duration // per element lookup before composing
	LookupTimeout time.Duration // per indicator while classifying
	SettleTimeout time.Duration // how long the UI may stay loading after the click
	PollInterval  time.Duration

	StepAttempts int           // internal attempts per pre-submission step
	StepBackoff  time.Duration // doubled after every failed attempt

	SnippetRunes        int
	NonRetryablePhrases []string

	Pacing PacingConfig
}

// DefaultConfig returns the machine defaults
func DefaultConfig() Config {
	return Config{
		ComposeURL:         "https://www.threads.net/",
		ProfileURLTemplate: "https://www.threads.net/@{account}",
		ThreadIDPattern:    DefaultThreadIDPattern,
		WaitTimeout:        10 * time.Second,
		LookupTimeout:      500 * time.Millisecond,
		SettleTimeout:      30 * time.Second,
		PollInterval:       time.Second,
		StepAttempts:       3,
		StepBackoff:        time.Second,
		SnippetRunes:       40,
		NonRetryablePhrases: []string{
			"suspended",
			"disabled your account",
			"account has been locked",
			"banned",
			"violates our community",
		},
		Pacing: DefaultPacing(),
	}
}

// errLoginWall is returned when the profile shows a login form. Logging in
// is human-initiated, so retrying inside the machine cannot help.
var errLoginWall = errors.Wrap(ErrSessionUnavailable, "login wall shown; log in to the profile manually")

// Machine drives one publishing attempt through a Browser and reports a
// typed outcome. It implements the scheduler's Poster.
type Machine struct {
	cfg      Config
	sessions Sessions
	src      selectors.Source
	pacer    *Pacer
	verifier *verifier
	log      *zap.SugaredLogger
	timeNow  func() time.Time
}

// NewMachine creates a state machine. pacer may be nil to use cfg.Pacing.
func NewMachine(cfg Config, sessions Sessions, src selectors.Source, pacer *Pacer, log *zap.SugaredLogger) (*Machine, error) {
	if sessions == nil {
		return nil, errors.New("sessions are required")
	}
	if src == nil {
		return nil, errors.New("selector source is required")
	}
	if cfg.ThreadIDPattern == "" {
		cfg.ThreadIDPattern = DefaultThreadIDPattern
	}
	pattern, err := regexp.Compile(cfg.ThreadIDPattern)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid thread id pattern %q", cfg.ThreadIDPattern)
	}
	if cfg.StepAttempts < 1 {
		cfg.StepAttempts = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if pacer == nil {
		pacer = NewPacer(cfg.Pacing)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	m := &Machine{cfg: cfg, sessions: sessions, src: src, pacer: pacer, log: logger.AddPostSymbol(log), timeNow: time.Now}
	m.verifier = &verifier{
		src:          src,
		pattern:      pattern,
		profileURL:   cfg.ProfileURLTemplate,
		snippetRunes: cfg.SnippetRunes,
		locate: func(ctx context.Context, b Browser, target string) (string, bool, error) {
			return locate(ctx, b, src, target, cfg.LookupTimeout)
		},
	}
	return m, nil
}

// Post runs submission, classification and verification for job. Expected
// failures come back as a Failure outcome, never as a panic or error.
func (m *Machine) Post(ctx context.Context, job jobs.Job) jobs.Outcome {
	ctx = logger.WithAccountID(logger.WithJobID(ctx, job.ID), job.AccountID)
	log := logger.FromContext(ctx, m.log).With("selector_version", m.src.Version())
	start := time.Now()

	b, err := m.sessions.Browser(ctx, job.AccountID)
	if err != nil {
		return m.fail(log, StageSession, err)
	}

	seen := newBaseline()
	if err := m.verifier.captureProfile(ctx, b, job.AccountID, seen); err != nil {
		log.Debugw("Profile listing unavailable before compose; profile verification disabled", logger.FieldError, err)
	}

	err = m.retryStep(ctx, log, StageCompose, func(ctx context.Context) error {
		return m.compose(ctx, b, job)
	})
	if err != nil {
		return m.fail(log, StageCompose, err)
	}

	var publish string
	err = m.retryStep(ctx, log, StagePrepare, func(ctx context.Context) error {
		sel, rerr := resolve(ctx, b, m.src, selectors.PublishButton, m.cfg.WaitTimeout)
		publish = sel
		return rerr
	})
	if err != nil {
		return m.fail(log, StagePrepare, err)
	}

	m.verifier.capturePage(ctx, b, seen)

	// From here on the post may exist; nothing before verification repeats the click.
	if err := m.click(ctx, b, job.AccountID, publish); err != nil {
		return m.fail(log, StageSubmit, err)
	}
	log.Debugw("Publish clicked", logger.FieldSelector, publish)

	obs, err := m.settle(ctx, b)
	if err != nil {
		return m.fail(log, StageClassify, err)
	}
	log.Debugw("UI settled", logger.FieldUIState, obs.State, "text", obs.Text)

	switch obs.State {
	case UIError:
		reason := "platform reported an error"
		if obs.Text != "" {
			reason = fmt.Sprintf("platform reported: %s", obs.Text)
		}
		if isUnambiguous(obs.Text, m.cfg.NonRetryablePhrases) {
			log.Warnw("Platform refused post", "text", obs.Text)
			return jobs.Fail(jobs.ErrorCodeAccountBlocked, StageClassify, reason, false)
		}
		return jobs.Fail(jobs.ErrorCodePlatformError, StageClassify, reason, true)
	case UILoading, UIDisabled:
		return jobs.Fail(jobs.ErrorCodeTimeout, StageClassify,
			fmt.Sprintf("UI still %s %s after publish", obs.State, m.cfg.SettleTimeout), true)
	}

	id, source := m.verifier.verify(ctx, b, job.AccountID, job.Content, seen)
	if id == "" {
		log.Warnw("Shadow fail: no thread id after apparent success", logger.FieldUIState, obs.State)
		return jobs.Fail(jobs.ErrorCodeShadowFail, StageVerify,
			fmt.Sprintf("UI showed %s but no new thread id in page, url or profile listing", obs.State), true)
	}

	log.Infow("Post verified",
		logger.FieldThreadID, id,
		"verified_by", source,
		logger.FieldDurationMS, time.Since(start).Milliseconds())
	return jobs.Success(id)
}

// compose opens the composer and types the content. It is retried as a
// unit: a fresh navigation discards any half-typed draft.
func (m *Machine) compose(ctx context.Context, b Browser, job jobs.Job) error {
	if err := m.pacer.Throttle(ctx, job.AccountID); err != nil {
		return err
	}
	if err := b.Navigate(ctx, m.cfg.ComposeURL); err != nil {
		return errors.Wrap(err, "opening composer")
	}
	if err := m.pacer.Pause(ctx); err != nil {
		return err
	}
	if _, wall, err := locate(ctx, b, m.src, selectors.LoginWall, m.cfg.LookupTimeout); err != nil {
		return err
	} else if wall {
		return errLoginWall
	}

	trigger, err := resolve(ctx, b, m.src, selectors.ComposeTrigger, m.cfg.WaitTimeout)
	if err != nil {
		return err
	}
	if err := m.click(ctx, b, job.AccountID, trigger); err != nil {
		return err
	}

	box, err := resolve(ctx, b, m.src, selectors.ComposeBox, m.cfg.WaitTimeout)
	if err != nil {
		return err
	}
	if err := m.click(ctx, b, job.AccountID, box); err != nil {
		return err
	}
	for i, chunk := range m.pacer.Chunks(job.Content) {
		if i > 0 {
			if err := m.pacer.ChunkPause(ctx); err != nil {
				return err
			}
		}
		if err := b.Type(ctx, box, chunk); err != nil {
			return errors.Wrap(err, "typing content")
		}
	}
	return m.pacer.Pause(ctx)
}

// click scrolls to target, hovers at a random offset when the driver can,
// pauses, then clicks.
func (m *Machine) click(ctx context.Context, b Browser, accountID, target string) error {
	if err := m.pacer.Throttle(ctx, accountID); err != nil {
		return err
	}
	if p, ok := b.(Pointer); ok {
		if err := p.Scroll(ctx, target); err != nil {
			return errors.Wrapf(err, "scrolling to %s", target)
		}
		dx, dy := m.pacer.PointerOffset()
		if err := p.Hover(ctx, target, dx, dy); err != nil {
			return errors.Wrapf(err, "hovering %s", target)
		}
	}
	if err := m.pacer.Pause(ctx); err != nil {
		return err
	}
	if err := b.Click(ctx, target); err != nil {
		return errors.Wrapf(err, "clicking %s", target)
	}
	return nil
}

// settle polls the UI until a decisive state or until SettleTimeout has
// passed since the click, counting the time spent classifying.
func (m *Machine) settle(ctx context.Context, b Browser) (Observation, error) {
	deadline := m.timeNow().Add(m.cfg.SettleTimeout)
	for {
		obs, err := Classify(ctx, b, m.src, m.cfg.LookupTimeout)
		if err != nil || obs.State.Decisive() {
			return obs, err
		}
		remaining := deadline.Sub(m.timeNow())
		if remaining <= 0 {
			return obs, nil
		}
		wait := m.cfg.PollInterval
		if remaining < wait {
			wait = remaining
		}
		if err := m.pacer.Sleep(ctx, wait); err != nil {
			return obs, err
		}
	}
}

// retryStep runs fn up to StepAttempts times, waiting StepBackoff, 2x, 4x
// between attempts, for transient UI errors only.
func (m *Machine) retryStep(ctx context.Context, log *zap.SugaredLogger, stage string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < m.cfg.StepAttempts; attempt++ {
		if attempt > 0 {
			wait := m.cfg.StepBackoff << (attempt - 1)
			log.Debugw("Retrying step",
				logger.FieldStage, stage,
				logger.FieldAttempt, attempt+1,
				logger.FieldBackoff, wait,
				logger.FieldError, err)
			if serr := m.pacer.Sleep(ctx, wait); serr != nil {
				return serr
			}
		}
		if err = fn(ctx); err == nil || !transient(ctx, err) {
			return err
		}
	}
	return errors.Wrapf(err, "%s failed after %d attempts", stage, m.cfg.StepAttempts)
}

// transient reports whether another internal attempt might succeed
func transient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, ErrSessionUnavailable) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// fail maps a browser error to a retryable Failure
func (m *Machine) fail(log *zap.SugaredLogger, stage string, err error) jobs.Outcome {
	code := jobs.ErrorCodeUnknown
	switch {
	case errors.Is(err, ErrSessionUnavailable):
		code = jobs.ErrorCodeSessionUnavailable
	case errors.Is(err, ErrElementNotFound):
		code = jobs.ErrorCodeSelectorMissing
	case errors.Is(err, ErrDriverTimeout), errors.Is(err, context.DeadlineExceeded):
		code = jobs.ErrorCodeTimeout
	}
	log.Warnw("Post attempt failed",
		logger.FieldStage, stage,
		logger.FieldErrorCode, code,
		logger.FieldError, err)
	return jobs.Fail(code, stage, err.Error(), true)
}
