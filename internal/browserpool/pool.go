// Package browserpool owns a set of long-lived browser processes and leases
// isolated browser contexts out to callers, bounding total concurrency
// without oversubscribing any single browser.
package browserpool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/kestrel-labs/rendercore/internal/config"
	"github.com/kestrel-labs/rendercore/internal/metrics"
	"github.com/kestrel-labs/rendercore/internal/security"
	"github.com/kestrel-labs/rendercore/internal/types"
)

const defaultAcquireDeadline = 30 * time.Second

// Instance is one long-lived browser process.
type Instance struct {
	ID         string
	Browser    *rod.Browser
	leaseCount atomic.Int32
	createdAt  time.Time
	lastUsed   atomic.Int64 // unix nano
	healthy    atomic.Bool
}

func (i *Instance) touch() {
	i.lastUsed.Store(time.Now().UnixNano())
}

func (i *Instance) idleSince() time.Duration {
	return time.Since(time.Unix(0, i.lastUsed.Load()))
}

// pendingState is the one-way transition of a queued acquisition.
type pendingState int32

const (
	pendingWaiting pendingState = iota
	pendingClaimed
	pendingCancelled
)

type pendingAcquisition struct {
	state    atomic.Int32
	result   chan acquireOutcome
	deadline time.Time
}

type acquireOutcome struct {
	instance *Instance
	err      error
}

// tryClaim attempts the pending->claimed transition. Only one caller ever
// wins; callers that lose must treat the pending as already resolved.
func (p *pendingAcquisition) tryClaim() bool {
	return p.state.CompareAndSwap(int32(pendingWaiting), int32(pendingClaimed))
}

func (p *pendingAcquisition) tryCancel() bool {
	return p.state.CompareAndSwap(int32(pendingWaiting), int32(pendingCancelled))
}

// Pool manages browser instances and leases contexts out of them.
type Pool struct {
	cfg *config.Config

	mu        sync.Mutex
	instances []*Instance
	queue     []*pendingAcquisition

	initOnce sync.Once
	initDone chan struct{}
	initErr  error

	shuttingDown atomic.Bool
	stopCh       chan struct{}
	wg           sync.WaitGroup

	nextID atomic.Int64
}

// New constructs a pool. Browsers are not launched until Initialize is
// called (lazily, idempotently, by the first Acquire if the caller hasn't
// called it explicitly). minBrowsers=0 is legal and launches nothing,
// letting tests construct an isolated pool.
func New(cfg *config.Config) *Pool {
	return &Pool{
		cfg:      cfg,
		initDone: make(chan struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Initialize launches minBrowsers instances. Safe to call multiple times or
// concurrently; only the first call does any work. Fatal if not even one
// browser can be launched when minBrowsers > 0.
func (p *Pool) Initialize(ctx context.Context) error {
	p.initOnce.Do(func() {
		defer close(p.initDone)
		var eg errgroup.Group
		var launched atomic.Int32
		for i := 0; i < p.cfg.PoolMinBrowsers; i++ {
			eg.Go(func() error {
				inst, err := p.launch(ctx)
				if err != nil {
					log.Warn().Err(err).Msg("failed to launch initial browser")
					return fmt.Errorf("failed to launch initial browser: %w", err)
				}
				launched.Add(1)
				p.mu.Lock()
				p.instances = append(p.instances, inst)
				p.mu.Unlock()
				return nil
			})
		}
		if err := eg.Wait(); err != nil && launched.Load() == 0 {
			p.initErr = err
			return
		}
		p.wg.Add(1)
		go p.healthLoop()
		log.Info().Int("min_browsers", p.cfg.PoolMinBrowsers).Msg("browser pool initialized")
	})
	<-p.initDone
	return p.initErr
}

func (p *Pool) launch(ctx context.Context) (*Instance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	l := p.createLauncher(p.cfg.ProxyURL)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	id := fmt.Sprintf("b-%d", p.nextID.Add(1))
	inst := &Instance{ID: id, Browser: browser, createdAt: time.Now()}
	inst.healthy.Store(true)
	inst.touch()
	log.Debug().Str("instance", id).Msg("browser instance launched")
	return inst, nil
}

func (p *Pool) createLauncher(proxyURL string) *launcher.Launcher {
	l := launcher.New()
	if p.cfg.BrowserPath != "" {
		l = l.Bin(p.cfg.BrowserPath)
	}
	if p.cfg.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp").
		Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation").
		Set("disable-features", "Translate,TranslateUI,BlinkGenPropertyTrees,WebRtcHideLocalIpsWithMdns").
		Set("enable-features", "NetworkService,NetworkServiceInProcess").
		Set("use-gl", "swiftshader").
		Set("use-angle", "swiftshader").
		Set("enable-unsafe-swiftshader").
		Set("enable-webgl").
		Set("enable-webgl2").
		Set("accept-lang", "en-US,en;q=0.9").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("no-zygote").
		Set("safebrowsing-disable-auto-update").
		Set("disable-ipc-flooding-protection").
		Set("disable-renderer-backgrounding").
		Set("disable-gpu-sandbox")

	if proxyURL != "" {
		l = l.Set("proxy-server", proxyURL)
		log.Debug().Str("proxy", security.RedactProxyURL(proxyURL)).Msg("browser proxy configured")
	}
	if p.cfg.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors").Set("ignore-ssl-errors")
	}
	if isARM() {
		l = l.Set("disable-gpu-compositing")
	}
	return l
}

// LaunchDedicated launches a standalone browser outside the pool's
// accounting, used when a request carries its own proxy (Chrome proxies are
// process-wide, so a distinct proxy needs a distinct process). The caller
// is responsible for closing it directly; it is never leased or recycled by
// the pool.
func (p *Pool) LaunchDedicated(ctx context.Context, proxyURL string) (*Instance, error) {
	l := p.createLauncher(proxyURL)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch dedicated browser: %w", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to dedicated browser: %w", err)
	}
	id := fmt.Sprintf("dedicated-%d", p.nextID.Add(1))
	inst := &Instance{ID: id, Browser: browser, createdAt: time.Now()}
	inst.healthy.Store(true)
	inst.touch()
	return inst, nil
}

// Acquire reserves one lease slot on a healthy instance (or a freshly
// launched one) and returns it. If none is available it enqueues a
// PendingAcquisition and waits up to deadline (ctx's deadline if sooner,
// else the default 30s).
func (p *Pool) Acquire(ctx context.Context) (*Instance, error) {
	if p.shuttingDown.Load() {
		return nil, types.ErrPoolShuttingDown
	}
	if err := p.Initialize(ctx); err != nil {
		return nil, err
	}

	if inst := p.tryAcquireLocked(); inst != nil {
		metrics.BrowserPoolAcquired.Inc()
		return inst, nil
	}

	deadline := time.Now().Add(defaultAcquireDeadline)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	pend := &pendingAcquisition{result: make(chan acquireOutcome, 1), deadline: deadline}
	p.mu.Lock()
	p.queue = append(p.queue, pend)
	p.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case outcome := <-pend.result:
		if outcome.err == nil {
			metrics.BrowserPoolAcquired.Inc()
		}
		return outcome.instance, outcome.err
	case <-timer.C:
		if pend.tryCancel() {
			return nil, types.ErrAcquireTimeout
		}
		// Lost the race to a concurrent processQueue claim; take its result.
		outcome := <-pend.result
		return outcome.instance, outcome.err
	case <-ctx.Done():
		if pend.tryCancel() {
			return nil, types.ErrAcquireCancelled
		}
		outcome := <-pend.result
		if outcome.instance != nil {
			p.Release(outcome.instance)
		}
		return nil, ctx.Err()
	}
}

// tryAcquireLocked finds an instance with spare capacity, or launches a new
// one if under maxBrowsers. The lease count is incremented before any
// context is created by the caller, so Σlease-count never outpaces reality.
func (p *Pool) tryAcquireLocked() *Instance {
	p.mu.Lock()
	for _, inst := range p.instances {
		if !inst.healthy.Load() {
			continue
		}
		if int(inst.leaseCount.Load()) < p.cfg.PoolMaxContextsPerBrowser {
			inst.leaseCount.Add(1)
			inst.touch()
			p.mu.Unlock()
			return inst
		}
	}
	canLaunch := len(p.instances) < p.cfg.PoolMaxBrowsers
	p.mu.Unlock()

	if !canLaunch {
		return nil
	}

	inst, err := p.launch(context.Background())
	if err != nil {
		log.Warn().Err(err).Msg("failed to launch browser to satisfy acquisition")
		return nil
	}
	inst.leaseCount.Add(1)
	p.mu.Lock()
	p.instances = append(p.instances, inst)
	p.mu.Unlock()
	return inst
}

// Release gives back one lease on inst, saturating at zero, and runs the
// queue at least once afterward.
func (p *Pool) Release(inst *Instance) {
	for {
		cur := inst.leaseCount.Load()
		if cur <= 0 {
			break
		}
		if inst.leaseCount.CompareAndSwap(cur, cur-1) {
			break
		}
	}
	inst.touch()
	p.processQueue()
}

// processQueue satisfies queued acquisitions FIFO as capacity frees up.
func (p *Pool) processQueue() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		next := p.queue[0]
		p.mu.Unlock()

		if time.Now().After(next.deadline) {
			p.popQueue(next)
			if next.tryCancel() {
				next.result <- acquireOutcome{err: types.ErrAcquireTimeout}
			}
			continue
		}

		inst := p.tryAcquireLocked()
		if inst == nil {
			return
		}
		p.popQueue(next)
		if next.tryClaim() {
			next.result <- acquireOutcome{instance: inst}
		} else {
			// Pending was cancelled concurrently (caller's own timer/ctx
			// fired first); the lease belongs to nobody now, release it.
			p.Release(inst)
		}
	}
}

func (p *Pool) popQueue(target *pendingAcquisition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, q := range p.queue {
		if q == target {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}

// healthLoop evicts disconnected or idle-and-unleased instances, and tops
// the pool back up to minBrowsers.
func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.healthTick()
		}
	}
}

func (p *Pool) healthTick() {
	p.mu.Lock()
	var evicted []*Instance
	connected := p.instances[:0]
	for _, inst := range p.instances {
		disconnected := !inst.Browser.Context(context.Background()).Connected()
		if disconnected && inst.leaseCount.Load() == 0 {
			evicted = append(evicted, inst)
			continue
		}
		inst.healthy.Store(!disconnected)
		connected = append(connected, inst)
	}
	// Idle instances are closed only while the pool stays above its minimum.
	remaining := len(connected)
	keep := connected[:0]
	for _, inst := range connected {
		idleTooLong := inst.leaseCount.Load() == 0 && inst.idleSince() > p.cfg.BrowserIdleTimeout
		if idleTooLong && remaining > p.cfg.PoolMinBrowsers {
			evicted = append(evicted, inst)
			remaining--
			continue
		}
		keep = append(keep, inst)
	}
	p.instances = keep
	needed := p.cfg.PoolMinBrowsers - len(p.instances)
	p.mu.Unlock()

	for _, inst := range evicted {
		log.Debug().Str("instance", inst.ID).Msg("evicting browser instance")
		_ = inst.Browser.Close()
	}

	for i := 0; i < needed; i++ {
		inst, err := p.launch(context.Background())
		if err != nil {
			log.Warn().Err(err).Msg("failed to replenish browser pool to minimum")
			break
		}
		p.mu.Lock()
		p.instances = append(p.instances, inst)
		p.mu.Unlock()
	}
	p.processQueue()
}

// Status reports the current pool shape for GET /v1/pool/status. Available
// slots count both spare capacity on healthy instances and the capacity of
// browsers that could still be launched under maxBrowsers.
func (p *Pool) Status() types.PoolStatusResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	leased, healthy, spare := 0, 0, 0
	for _, inst := range p.instances {
		n := int(inst.leaseCount.Load())
		leased += n
		if inst.healthy.Load() {
			healthy++
			if free := p.cfg.PoolMaxContextsPerBrowser - n; free > 0 {
				spare += free
			}
		}
	}
	unlaunched := p.cfg.PoolMaxBrowsers - len(p.instances)
	if unlaunched < 0 {
		unlaunched = 0
	}
	return types.PoolStatusResponse{
		Instances:             len(p.instances),
		HealthyInstances:      healthy,
		MinBrowsers:           p.cfg.PoolMinBrowsers,
		MaxBrowsers:           p.cfg.PoolMaxBrowsers,
		MaxContextsPerBrowser: p.cfg.PoolMaxContextsPerBrowser,
		LeasedContexts:        leased,
		AvailableSlots:        spare + unlaunched*p.cfg.PoolMaxContextsPerBrowser,
		QueuedAcquisitions:    len(p.queue),
	}
}

// Shutdown stops accepting new work, drains the pending queue with
// ErrPoolShuttingDown, then closes every instance in parallel.
func (p *Pool) Shutdown(ctx context.Context) error {
	if !p.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stopCh)

	p.mu.Lock()
	queued := p.queue
	p.queue = nil
	instances := p.instances
	p.instances = nil
	p.mu.Unlock()

	for _, pend := range queued {
		if pend.tryCancel() {
			pend.result <- acquireOutcome{err: types.ErrPoolShuttingDown}
		}
	}

	eg, _ := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for _, inst := range instances {
		inst := inst
		eg.Go(func() error {
			return inst.Browser.Close()
		})
	}
	err := eg.Wait()
	p.wg.Wait()
	return err
}

func isARM() bool {
	return runtime.GOARCH == "arm64" || runtime.GOARCH == "arm"
}
