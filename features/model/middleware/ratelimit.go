// Package middleware provides model.Client middlewares shared by the oracle
// registry.
package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"

	"github.com/crewflow/crewflow/runtime/agent/model"
)

type (
	// Budgets throttles oracle calls against a tokens-per-minute budget kept
	// separately for each model.Strength. A budget halves when the provider
	// answers with model.ErrRateLimited and grows back by a fixed step after
	// each successful call, never leaving [tpm/10, maxTPM].
	//
	// When built with a shared map every process serving the same strength
	// converges on one budget stored under prefix+strength.
	Budgets struct {
		shared sharedMap
		prefix string
		tpm    float64
		maxTPM float64

		mu      sync.Mutex
		buckets map[model.Strength]*bucket
	}

	// bucket is the budget of one strength.
	bucket struct {
		mu      sync.Mutex
		lim     *rate.Limiter
		tpm     float64
		floor   float64
		ceiling float64
		step    float64
		// key is the shared map key, empty for process-local buckets.
		key string
	}

	throttled struct {
		next model.Client
		b    *bucket
		pub  func(key string, f func(float64) float64)
	}

	// sharedMap is the subset of rmap.Map the budgets rely on.
	sharedMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}
)

const (
	defaultTPM = 60000
	// casAttempts bounds the compare-and-swap retries of a shared update.
	casAttempts = 3
	casTimeout  = 2 * time.Second
)

// NewBudgets returns the budgets of the given strengths. tpm is the initial
// tokens-per-minute budget of each strength and maxTPM its ceiling. When
// shared is not nil, budgets are seeded from and published to the map. A
// strength whose shared entry cannot be seeded stays process-local.
func NewBudgets(ctx context.Context, shared *rmap.Map, prefix string, tpm, maxTPM float64, strengths ...model.Strength) *Budgets {
	var m sharedMap
	if shared != nil {
		m = shared
	}
	return newBudgets(ctx, m, prefix, tpm, maxTPM, strengths...)
}

func newBudgets(ctx context.Context, m sharedMap, prefix string, tpm, maxTPM float64, strengths ...model.Strength) *Budgets {
	if tpm <= 0 {
		tpm = defaultTPM
	}
	if maxTPM < tpm {
		maxTPM = tpm
	}
	b := &Budgets{
		shared:  m,
		prefix:  prefix,
		tpm:     tpm,
		maxTPM:  maxTPM,
		buckets: make(map[model.Strength]*bucket, len(strengths)),
	}
	sharing := false
	for _, s := range strengths {
		bk := b.newBucket(tpm)
		if m != nil {
			if v, ok := b.seed(ctx, string(s)); ok {
				bk = b.newBucket(v)
				bk.key = b.prefix + string(s)
				sharing = true
			}
		}
		b.buckets[s] = bk
	}
	if sharing {
		go b.watch(m.Subscribe())
	}
	return b
}

// Middleware returns the middleware throttling calls made at strength s.
func (b *Budgets) Middleware(s model.Strength) func(model.Client) model.Client {
	bk := b.bucket(s)
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &throttled{next: next, b: bk, pub: b.publish}
	}
}

// TPM returns the current budget of strength s.
func (b *Budgets) TPM(s model.Strength) float64 {
	bk := b.bucket(s)
	bk.mu.Lock()
	defer bk.mu.Unlock()
	return bk.tpm
}

// bucket returns the bucket of s, creating a process-local one for a
// strength that was not declared up front.
func (b *Budgets) bucket(s model.Strength) *bucket {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk, ok := b.buckets[s]
	if !ok {
		bk = b.newBucket(b.tpm)
		b.buckets[s] = bk
	}
	return bk
}

func (b *Budgets) newBucket(tpm float64) *bucket {
	floor := max(b.tpm*0.1, 1)
	step := max(b.tpm*0.05, 1)
	tpm = min(max(tpm, floor), b.maxTPM)
	return &bucket{
		lim:     rate.NewLimiter(rate.Limit(tpm/60), int(tpm)),
		tpm:     tpm,
		floor:   floor,
		ceiling: b.maxTPM,
		step:    step,
	}
}

// seed makes sure the shared entry of strength s exists and returns its
// value. A concurrent writer may win the seed, in which case its value is
// used.
func (b *Budgets) seed(ctx context.Context, s string) (float64, bool) {
	key := b.prefix + s
	if _, ok := b.shared.Get(key); !ok {
		if _, err := b.shared.SetIfNotExists(ctx, key, strconv.Itoa(int(b.tpm))); err != nil {
			return 0, false
		}
	}
	if v, ok := parseTPM(b.shared.Get(key)); ok {
		return v, true
	}
	return b.tpm, true
}

// watch reconciles the shared buckets with the map until it is closed.
func (b *Budgets) watch(ch <-chan rmap.EventKind) {
	for range ch {
		b.mu.Lock()
		buckets := make([]*bucket, 0, len(b.buckets))
		for _, bk := range b.buckets {
			if bk.key != "" {
				buckets = append(buckets, bk)
			}
		}
		b.mu.Unlock()
		for _, bk := range buckets {
			if v, ok := parseTPM(b.shared.Get(bk.key)); ok {
				bk.set(v)
			}
		}
	}
}

// publish applies f to the shared value of key with compare-and-swap. It
// gives up silently after a few lost races or when the map is unreachable:
// the local bucket already moved and the watcher converges eventually.
func (b *Budgets) publish(key string, f func(float64) float64) {
	if key == "" || b.shared == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), casTimeout)
	defer cancel()
	for range casAttempts {
		raw, ok := b.shared.Get(key)
		if !ok {
			return
		}
		cur, ok := parseTPM(raw, true)
		if !ok {
			return
		}
		next := strconv.Itoa(int(f(cur)))
		if next == raw {
			return
		}
		prev, err := b.shared.TestAndSet(ctx, key, raw, next)
		if err != nil || prev == raw {
			return
		}
	}
}

func parseTPM(raw string, ok bool) (float64, bool) {
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// Complete waits for budget before delegating to the wrapped client.
func (c *throttled) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := c.b.lim.WaitN(ctx, estimateTokens(req)); err != nil {
		return nil, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.settle(err)
	return resp, err
}

// Stream waits for budget before delegating to the wrapped client.
func (c *throttled) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if err := c.b.lim.WaitN(ctx, estimateTokens(req)); err != nil {
		return nil, err
	}
	s, err := c.next.Stream(ctx, req)
	c.settle(err)
	return s, err
}

// settle adjusts the bucket after a call. Errors other than rate limiting
// leave the budget untouched.
func (c *throttled) settle(err error) {
	var f func(float64) float64
	switch {
	case err == nil:
		f = c.b.grow
	case errors.Is(err, model.ErrRateLimited):
		f = c.b.shrink
	default:
		return
	}
	if c.b.apply(f) && c.b.key != "" {
		go c.pub(c.b.key, f)
	}
}

func (bk *bucket) shrink(tpm float64) float64 { return max(tpm*0.5, bk.floor) }

func (bk *bucket) grow(tpm float64) float64 { return min(tpm+bk.step, bk.ceiling) }

// apply moves the bucket to f(current budget).
func (bk *bucket) apply(f func(float64) float64) bool {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	return bk.setLocked(f(bk.tpm))
}

// set moves the bucket to tpm clamped to its range and reports whether the
// budget changed.
func (bk *bucket) set(tpm float64) bool {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	return bk.setLocked(tpm)
}

func (bk *bucket) setLocked(tpm float64) bool {
	tpm = min(max(tpm, bk.floor), bk.ceiling)
	if tpm == bk.tpm {
		return false
	}
	bk.tpm = tpm
	bk.lim.SetLimit(rate.Limit(tpm / 60))
	bk.lim.SetBurst(int(tpm))
	return true
}

// estimateTokens approximates the prompt size of req at one token per three
// characters of system prompt, message content and tool call arguments, plus
// a flat allowance for framing and the reply.
func estimateTokens(req *model.Request) int {
	const allowance = 500
	n := len(req.System)
	for _, m := range req.Messages {
		n += len(m.Content)
		for _, c := range m.ToolCalls {
			n += len(c.Arguments)
		}
	}
	return n/3 + allowance
}
