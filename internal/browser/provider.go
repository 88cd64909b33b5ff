// Package browser provides pooled chromedp sessions behind the
// schemas.SessionProvider contract. One provider manages several browser
// processes, each serving a bounded number of pages.
package browser

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/jobpilot-dev/jobpilot/api/schemas"
	"github.com/jobpilot-dev/jobpilot/internal/browser/humanize"
	"github.com/jobpilot-dev/jobpilot/internal/browser/stealth"
	"github.com/jobpilot-dev/jobpilot/internal/config"
	"github.com/jobpilot-dev/jobpilot/internal/domain"
)

// browserProc is one running browser executable. Pages are chromedp contexts
// derived from its allocator.
type browserProc struct {
	allocCtx context.Context
	cancel   context.CancelFunc
	pages    int
}

// Provider implements schemas.SessionProvider on top of chromedp. Capacity
// is MaxSessions browser processes times MaxPages pages each; Acquire blocks
// on the slot channel until a page frees up or the timeout fires.
type Provider struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	baseCtx context.Context
	slots   chan struct{}

	mu       sync.Mutex
	procs    []*browserProc
	sessions map[string]*chromeSession
	closed   bool

	// newSession is swapped out in tests so pool accounting can be exercised
	// without a browser executable on the machine.
	newSession func(ctx context.Context, proc *browserProc, opts schemas.SessionOptions) (*chromeSession, error)
}

var _ schemas.SessionProvider = (*Provider)(nil)

// NewProvider creates the session provider. No browser process is started
// until the first Acquire.
func NewProvider(ctx context.Context, logger *zap.Logger, cfg config.BrowserConfig) *Provider {
	p := &Provider{
		logger:   logger.Named("browser"),
		cfg:      cfg,
		baseCtx:  ctx,
		slots:    make(chan struct{}, cfg.MaxSessions*cfg.MaxPages),
		sessions: make(map[string]*chromeSession),
	}
	p.newSession = p.startSession
	p.logger.Info("Browser provider initialized",
		zap.Bool("headless", cfg.Headless),
		zap.Bool("stealth", cfg.Stealth),
		zap.Int("max_sessions", cfg.MaxSessions),
		zap.Int("max_pages", cfg.MaxPages),
		zap.Bool("proxy_enabled", cfg.Proxy.Server != ""),
	)
	return p
}

// allocatorOptions configures the flags for one browser executable.
func (p *Provider) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	if p.cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}

	opts = append(opts,
		// Automation detection evasion at the process level.
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),

		// Stability flags for containerized environments.
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("metrics-recording-only", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-hang-monitor", true),
		chromedp.Flag("disable-prompt-on-repost", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", p.cfg.Headless),

		chromedp.Flag("ignore-certificate-errors", p.cfg.IgnoreTLSErrors),
	)

	if p.cfg.Proxy.Server != "" {
		if _, err := url.Parse(p.cfg.Proxy.Server); err == nil {
			opts = append(opts, chromedp.ProxyServer(p.cfg.Proxy.Server))
		} else {
			p.logger.Error("Invalid proxy server in config, continuing without proxy",
				zap.String("server", p.cfg.Proxy.Server))
		}
	}

	return opts
}

// Acquire hands out a page, blocking until pool capacity frees up or the
// acquire timeout fires. Timeouts map to domain.ErrSessionAcquire so the
// caller's retry classification sees a transient fault.
func (p *Provider) Acquire(ctx context.Context, opts schemas.SessionOptions) (schemas.Session, error) {
	timeout := opts.AcquireTimeout
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
	case <-timer.C:
		return nil, fmt.Errorf("no page capacity after %s: %w", timeout, domain.ErrSessionAcquire)
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire aborted: %w", ctx.Err())
	}

	sess, err := p.assign(ctx, opts)
	if err != nil {
		<-p.slots
		return nil, err
	}
	return sess, nil
}

// assign finds or starts a browser process with page capacity. Holding a
// slot guarantees one exists or can be created.
func (p *Provider) assign(ctx context.Context, opts schemas.SessionOptions) (*chromeSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("provider is shut down: %w", domain.ErrSessionAcquire)
	}

	var proc *browserProc
	for _, candidate := range p.procs {
		if candidate.pages < p.cfg.MaxPages {
			proc = candidate
			break
		}
	}
	if proc == nil {
		allocCtx, cancel := chromedp.NewExecAllocator(p.baseCtx, p.allocatorOptions()...)
		proc = &browserProc{allocCtx: allocCtx, cancel: cancel}
		p.procs = append(p.procs, proc)
		p.logger.Debug("Started browser process", zap.Int("procs", len(p.procs)))
	}

	sess, err := p.newSession(ctx, proc, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w (%v)", domain.ErrSessionAcquire, err)
	}
	proc.pages++
	sess.proc = proc
	p.sessions[sess.id] = sess
	return sess, nil
}

// startSession opens a fresh page context on the process and applies stealth
// hardening when asked for.
func (p *Provider) startSession(_ context.Context, proc *browserProc, opts schemas.SessionOptions) (*chromeSession, error) {
	pageCtx, cancel := chromedp.NewContext(proc.allocCtx,
		chromedp.WithLogf(p.logger.Sugar().Debugf),
		chromedp.WithErrorf(p.logger.Sugar().Errorf),
	)

	actions := chromedp.Tasks{chromedp.Navigate("about:blank")}
	stealthOn := opts.Mode == schemas.ModeStealth || (opts.Mode == "" && p.cfg.Stealth)
	if stealthOn {
		actions = append(chromedp.Tasks{stealth.Apply(p.logger)}, actions...)
	}
	if p.proxyAuthRequired() {
		p.installProxyAuth(pageCtx)
		actions = append(chromedp.Tasks{fetch.Enable().WithHandleAuthRequests(true)}, actions...)
	}
	if err := chromedp.Run(pageCtx, actions); err != nil {
		cancel()
		return nil, err
	}

	// Stealth sessions also get a typing persona so input timing looks
	// human, not just the navigator surface.
	var typist *humanize.Typist
	if stealthOn {
		typist = humanize.NewTypist(humanize.DefaultConfig())
	}
	return newChromeSession(pageCtx, cancel, p.cfg.NavTimeout, p.logger, typist), nil
}

// proxyAuthRequired reports whether the configured proxy needs credentials.
func (p *Provider) proxyAuthRequired() bool {
	return p.cfg.Proxy.Server != "" && p.cfg.Proxy.Username != ""
}

// installProxyAuth answers the proxy's auth challenges with the configured
// credentials. Chromium takes the proxy address as a flag but never its
// credentials, so each page supplies them through the fetch domain.
func (p *Provider) installProxyAuth(pageCtx context.Context) {
	c := chromedp.FromContext(pageCtx)
	chromedp.ListenTarget(pageCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *fetch.EventAuthRequired:
			go func() {
				execCtx := cdp.WithExecutor(pageCtx, c.Target)
				resp := &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: p.cfg.Proxy.Username,
					Password: p.cfg.Proxy.Password,
				}
				if err := fetch.ContinueWithAuth(e.RequestID, resp).Do(execCtx); err != nil {
					p.logger.Warn("Proxy auth response failed", zap.Error(err))
				}
			}()
		case *fetch.EventRequestPaused:
			// With the fetch domain enabled every request pauses and has to
			// be resumed explicitly.
			go func() {
				execCtx := cdp.WithExecutor(pageCtx, c.Target)
				if err := fetch.ContinueRequest(e.RequestID).Do(execCtx); err != nil {
					p.logger.Debug("Failed to continue paused request", zap.Error(err))
				}
			}()
		}
	})
}

// Release closes the page and returns its capacity to the pool. Releasing a
// session twice or releasing a foreign session is a no-op.
func (p *Provider) Release(_ context.Context, session schemas.Session) error {
	if session == nil {
		return nil
	}
	p.mu.Lock()
	sess, ok := p.sessions[session.ID()]
	if ok {
		delete(p.sessions, session.ID())
		sess.proc.pages--
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	sess.cancel()
	<-p.slots
	return nil
}

// Stats reports current pool accounting.
func (p *Provider) Stats() schemas.ProviderStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	pages := 0
	for _, proc := range p.procs {
		pages += proc.pages
	}
	return schemas.ProviderStats{
		ActiveSessions: len(p.procs),
		ActivePages:    pages,
	}
}

// Shutdown closes all pages and browser processes.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	open := make([]*chromeSession, 0, len(p.sessions))
	for _, sess := range p.sessions {
		open = append(open, sess)
	}
	p.sessions = make(map[string]*chromeSession)
	procs := p.procs
	p.procs = nil
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range open {
		wg.Add(1)
		go func(s *chromeSession) {
			defer wg.Done()
			closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := s.Close(closeCtx); err != nil {
				p.logger.Warn("Error closing page during shutdown",
					zap.String("session_id", s.id), zap.Error(err))
			}
		}(sess)
	}
	wg.Wait()

	for _, proc := range procs {
		proc.cancel()
	}
	p.logger.Info("Browser provider shutdown complete")
	return nil
}
