package poster

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PacingConfig bounds the randomized timing between UI actions. Uniform
// timing and bulk input are what abuse detection keys on.
type PacingConfig struct {
	MinDelay         time.Duration // between discrete actions
	MaxDelay         time.Duration
	MinChunk         int // runes typed per Type call
	MaxChunk         int
	MinChunkDelay    time.Duration // between chunks
	MaxChunkDelay    time.Duration
	MaxPointerOffset int     // pixels from the element centre before a click
	ActionsPerMinute float64 // per account; 0 disables the limiter
}

// DefaultPacing returns 0.5-2s action delays and 2-8 rune chunks.
func DefaultPacing() PacingConfig {
	return PacingConfig{
		MinDelay:         500 * time.Millisecond,
		MaxDelay:         2 * time.Second,
		MinChunk:         2,
		MaxChunk:         8,
		MinChunkDelay:    40 * time.Millisecond,
		MaxChunkDelay:    180 * time.Millisecond,
		MaxPointerOffset: 12,
		ActionsPerMinute: 30,
	}
}

// SleepFunc waits d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// ContextSleep is the real SleepFunc
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Pacer produces human-like delays, typing chunks and pointer offsets.
type Pacer struct {
	cfg   PacingConfig
	sleep SleepFunc

	mu       sync.Mutex
	rng      *rand.Rand
	limiters map[string]*rate.Limiter
}

// NewPacer creates a pacer seeded from the clock
func NewPacer(cfg PacingConfig) *Pacer {
	return NewPacerWithRand(cfg, rand.New(rand.NewSource(time.Now().UnixNano())), ContextSleep)
}

// NewPacerWithRand creates a pacer with injectable randomness and sleep (for testing)
func NewPacerWithRand(cfg PacingConfig, rng *rand.Rand, sleep SleepFunc) *Pacer {
	if cfg.MinChunk < 1 {
		cfg.MinChunk = 1
	}
	if cfg.MaxChunk < cfg.MinChunk {
		cfg.MaxChunk = cfg.MinChunk
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.MaxChunkDelay < cfg.MinChunkDelay {
		cfg.MaxChunkDelay = cfg.MinChunkDelay
	}
	if sleep == nil {
		sleep = ContextSleep
	}
	return &Pacer{cfg: cfg, sleep: sleep, rng: rng, limiters: make(map[string]*rate.Limiter)}
}

// Sleep waits d using the pacer's sleep function
func (p *Pacer) Sleep(ctx context.Context, d time.Duration) error {
	return p.sleep(ctx, d)
}

func (p *Pacer) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo + time.Duration(p.rng.Int63n(int64(hi-lo)+1))
}

func (p *Pacer) intn(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Intn(n)
}

// ActionDelay picks the next pause between UI actions
func (p *Pacer) ActionDelay() time.Duration {
	return p.between(p.cfg.MinDelay, p.cfg.MaxDelay)
}

// Pause sleeps for a randomized action delay
func (p *Pacer) Pause(ctx context.Context) error {
	return p.sleep(ctx, p.ActionDelay())
}

// ChunkPause sleeps between typed chunks
func (p *Pacer) ChunkPause(ctx context.Context) error {
	return p.sleep(ctx, p.between(p.cfg.MinChunkDelay, p.cfg.MaxChunkDelay))
}

// Chunks splits text into randomized rune chunks
func (p *Pacer) Chunks(text string) []string {
	runes := []rune(text)
	var out []string
	for len(runes) > 0 {
		n := p.cfg.MinChunk + p.intn(p.cfg.MaxChunk-p.cfg.MinChunk+1)
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

// PointerOffset returns a random offset within MaxPointerOffset on each axis
func (p *Pacer) PointerOffset() (dx, dy int) {
	m := p.cfg.MaxPointerOffset
	if m <= 0 {
		return 0, 0
	}
	return p.intn(2*m+1) - m, p.intn(2*m+1) - m
}

// Throttle waits for the account's action budget
func (p *Pacer) Throttle(ctx context.Context, accountID string) error {
	if p.cfg.ActionsPerMinute <= 0 {
		return nil
	}
	p.mu.Lock()
	limiter, ok := p.limiters[accountID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(p.cfg.ActionsPerMinute/60.0), 1)
		p.limiters[accountID] = limiter
	}
	p.mu.Unlock()
	return limiter.Wait(ctx)
}
