package syncer

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/coherentops/agentmem/core"
)

// Config holds coordinator configuration.
type Config struct {
	// MaxAttempts caps transport retries per call, first try included.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBase is the first retry delay; each retry doubles it up to
	// BackoffMax.
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`

	// Timeout bounds each individual transport call.
	Timeout time.Duration `yaml:"timeout"`

	// Clock supplies the current time. Tests inject a fake one.
	Clock func() time.Time `yaml:"-"`
}

// DefaultConfig returns the standard retry policy.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 5,
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  5 * time.Second,
		Timeout:     10 * time.Second,
	}
}

type pairKey struct {
	source string
	target string
}

// pairState serializes runs per pair and guards the pair's record.
type pairState struct {
	runMu sync.Mutex // held for a whole run: at most one in-flight sync per pair

	mu  sync.Mutex // guards rec and checkpoints
	rec Record

	// checkpoints tracks the applied source position per scope filter,
	// keyed by checkpointKey. A scoped run only delivers matching
	// identities, so it must never advance the position of any other
	// filter past changes it did not carry.
	checkpoints map[string]int64
}

// Coordinator drives syncs between registered peers.
type Coordinator struct {
	mu    sync.Mutex
	peers map[string]Transport
	pairs map[pairKey]*pairState

	cfg   *Config
	clock func() time.Time
	wg    sync.WaitGroup
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg *Config) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Coordinator{
		peers: make(map[string]Transport),
		pairs: make(map[pairKey]*pairState),
		cfg:   cfg,
		clock: cfg.Clock,
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	return c
}

// RegisterPeer names an agent and the transport that reaches it.
func (c *Coordinator) RegisterPeer(name string, transport Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[name] = transport
}

// InitiateSync starts an asynchronous sync of source's changes into target,
// optionally narrowed to a scope. It returns immediately; progress and
// failures are observed by polling Status. Runs for the same pair serialize
// behind each other; different pairs proceed concurrently.
func (c *Coordinator) InitiateSync(ctx context.Context, source, target string, scope *core.Scope) error {
	if source == target {
		return fmt.Errorf("%w: cannot sync %q with itself", core.ErrInvalidScope, source)
	}

	c.mu.Lock()
	src, okSrc := c.peers[source]
	tgt, okTgt := c.peers[target]
	c.mu.Unlock()

	if !okSrc {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, source)
	}
	if !okTgt {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, target)
	}

	pair := c.pair(source, target)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		pair.runMu.Lock()
		defer pair.runMu.Unlock()
		c.run(ctx, pair, src, tgt, source, target, scope)
	}()
	return nil
}

// Wait blocks until every in-flight sync has reached a terminal state.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Status returns a copy of the pair's sync record.
func (c *Coordinator) Status(source, target string) (Record, bool) {
	c.mu.Lock()
	pair, ok := c.pairs[pairKey{source, target}]
	c.mu.Unlock()
	if !ok {
		return Record{}, false
	}

	pair.mu.Lock()
	defer pair.mu.Unlock()
	rec := pair.rec
	rec.Conflicts = append([]Conflict(nil), pair.rec.Conflicts...)
	return rec, true
}

// Records returns copies of every pair's sync record, ordered by pair name.
func (c *Coordinator) Records() []Record {
	c.mu.Lock()
	pairs := make([]*pairState, 0, len(c.pairs))
	for _, p := range c.pairs {
		pairs = append(pairs, p)
	}
	c.mu.Unlock()

	out := make([]Record, 0, len(pairs))
	for _, p := range pairs {
		p.mu.Lock()
		rec := p.rec
		rec.Conflicts = append([]Conflict(nil), p.rec.Conflicts...)
		p.mu.Unlock()
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
	return out
}

// PendingConflicts returns the unresolved conflicts across all pairs.
func (c *Coordinator) PendingConflicts() []Conflict {
	var out []Conflict
	for _, rec := range c.Records() {
		out = append(out, rec.Conflicts...)
	}
	return out
}

// Resolve settles one queued conflict at the pair's target and moves the
// pair to Completed once no conflicts remain.
func (c *Coordinator) Resolve(ctx context.Context, source, target, conflictID string, choice Resolution) error {
	c.mu.Lock()
	tgt, okTgt := c.peers[target]
	pair, okPair := c.pairs[pairKey{source, target}]
	c.mu.Unlock()

	if !okTgt {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, target)
	}
	if !okPair {
		return fmt.Errorf("%w: no sync record for %s->%s", ErrUnknownConflict, source, target)
	}

	if _, err := tgt.Resolve(ctx, &ResolveRequest{ConflictID: conflictID, Choice: choice}); err != nil {
		return err
	}

	pair.mu.Lock()
	defer pair.mu.Unlock()
	kept := pair.rec.Conflicts[:0]
	for _, conflict := range pair.rec.Conflicts {
		if conflict.ID != conflictID {
			kept = append(kept, conflict)
		}
	}
	pair.rec.Conflicts = kept
	if pair.rec.Status == StateConflictPending && len(kept) == 0 {
		pair.rec.Status = StateCompleted
		pair.rec.StatusName = pair.rec.Status.String()
		pair.rec.UpdatedAt = c.clock()
		log.Printf("[SYNC] %s->%s all conflicts resolved, completed", source, target)
	}
	return nil
}

func (c *Coordinator) pair(source, target string) *pairState {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := pairKey{source, target}
	p, ok := c.pairs[key]
	if !ok {
		p = &pairState{
			rec: Record{
				Source:     source,
				Target:     target,
				Status:     StateIdle,
				StatusName: StateIdle.String(),
			},
			checkpoints: make(map[string]int64),
		}
		c.pairs[key] = p
	}
	return p
}

// checkpointKey buckets a pair's sync positions by scope filter. The empty
// key is the unscoped position.
func checkpointKey(scope *core.Scope) string {
	if scope == nil {
		return ""
	}
	return scope.String()
}

// run executes one sync for a pair. Transport failures never escape; they
// land in the record as a Failed status.
func (c *Coordinator) run(ctx context.Context, pair *pairState, src, tgt Transport, source, target string, scope *core.Scope) {
	ckKey := checkpointKey(scope)
	checkpoint := c.beginRun(pair, ckKey)

	delta, err := callWithRetry(ctx, c, pair, "fetch_delta", func(callCtx context.Context) (*DeltaResponse, error) {
		return src.FetchDelta(callCtx, &DeltaRequest{SinceCheckpoint: checkpoint, Scope: scope})
	})
	if err != nil {
		c.fail(pair, err)
		return
	}

	if len(delta.Entries) == 0 {
		c.complete(pair, ckKey, delta.NextCheckpoint, nil)
		return
	}

	c.transition(pair, StateTransmitting)
	c.transition(pair, StateApplying)

	resp, err := callWithRetry(ctx, c, pair, "apply", func(callCtx context.Context) (*ApplyResponse, error) {
		return tgt.Apply(callCtx, &ApplyRequest{Source: source, Entries: delta.Entries})
	})
	if err != nil {
		c.fail(pair, err)
		return
	}

	c.complete(pair, ckKey, delta.NextCheckpoint, resp.Conflicts)
	log.Printf("[SYNC] %s->%s applied=%d conflicts=%d checkpoint=%d",
		source, target, len(resp.Applied), len(resp.Conflicts), delta.NextCheckpoint)
}

func (c *Coordinator) beginRun(pair *pairState, ckKey string) int64 {
	pair.mu.Lock()
	defer pair.mu.Unlock()
	now := c.clock()
	pair.rec.Status = StateComputingDelta
	pair.rec.StatusName = pair.rec.Status.String()
	pair.rec.StartedAt = now
	pair.rec.UpdatedAt = now
	pair.rec.Attempts = 0
	pair.rec.LastError = ""
	return pair.checkpoints[ckKey]
}

func (c *Coordinator) transition(pair *pairState, state State) {
	pair.mu.Lock()
	defer pair.mu.Unlock()
	pair.rec.Status = state
	pair.rec.StatusName = state.String()
	pair.rec.UpdatedAt = c.clock()
}

func (c *Coordinator) complete(pair *pairState, ckKey string, checkpoint int64, conflicts []Conflict) {
	pair.mu.Lock()
	defer pair.mu.Unlock()
	pair.checkpoints[ckKey] = checkpoint
	pair.rec.Checkpoint = checkpoint
	pair.rec.Conflicts = append(pair.rec.Conflicts, conflicts...)
	if len(pair.rec.Conflicts) > 0 {
		pair.rec.Status = StateConflictPending
	} else {
		pair.rec.Status = StateCompleted
	}
	pair.rec.StatusName = pair.rec.Status.String()
	pair.rec.UpdatedAt = c.clock()
}

func (c *Coordinator) fail(pair *pairState, err error) {
	pair.mu.Lock()
	defer pair.mu.Unlock()
	pair.rec.Status = StateFailed
	pair.rec.StatusName = pair.rec.Status.String()
	pair.rec.LastError = err.Error()
	pair.rec.UpdatedAt = c.clock()
	log.Printf("[SYNC] %s->%s failed: %v", pair.rec.Source, pair.rec.Target, err)
}

// callWithRetry runs one transport call under the configured timeout,
// retrying transient failures with exponential backoff up to MaxAttempts.
func callWithRetry[T any](ctx context.Context, c *Coordinator, pair *pairState, op string, call func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := c.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	delay := c.cfg.BackoffBase
	if delay <= 0 {
		delay = DefaultConfig().BackoffBase
	}

	var lastErr error
	tried := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		tried = attempt
		pair.mu.Lock()
		pair.rec.Attempts++
		pair.mu.Unlock()

		callCtx := ctx
		var cancel context.CancelFunc
		if c.cfg.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		}
		result, err := call(callCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == attempts {
			break
		}
		log.Printf("[SYNC] %s attempt %d/%d failed, retrying in %s: %v", op, attempt, attempts, delay, err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if max := c.cfg.BackoffMax; max > 0 && delay > max {
			delay = max
		}
	}
	return zero, fmt.Errorf("%s exhausted after %d attempts: %w", op, tried, lastErr)
}
