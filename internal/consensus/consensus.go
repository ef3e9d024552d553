// Package consensus implements quorum agreement across independently
// selected agents. With N agents and at most f arbitrarily-faulty ones,
// correctness requires N ≥ 3f+1; the rule is configuration, not
// assumption, and is enforced at construction.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/task"
)

// Config tunes the validator.
type Config struct {
	// Agents is N, the number of distinct agents polled per round.
	Agents int
	// Quorum is the fraction of received responses that must agree.
	Quorum float64
	// Window bounds one collection round.
	Window time.Duration
	// MaxRounds bounds retries with a fresh agent set.
	MaxRounds int
	// MaxFaulty is f, the number of Byzantine agents tolerated.
	MaxFaulty int
}

func (c Config) withDefaults() Config {
	if c.Agents <= 0 {
		c.Agents = 5
	}
	if c.Quorum <= 0 {
		c.Quorum = 0.7
	}
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = 3
	}
	return c
}

// Validate checks the Byzantine bound and quorum range.
func (c Config) Validate() error {
	if c.Quorum <= 0.5 || c.Quorum > 1 {
		return fmt.Errorf("quorum %.2f out of range (0.5, 1]", c.Quorum)
	}
	if c.Agents < 3*c.MaxFaulty+1 {
		return fmt.Errorf("N=%d cannot tolerate f=%d faulty agents: need N ≥ 3f+1 = %d",
			c.Agents, c.MaxFaulty, 3*c.MaxFaulty+1)
	}
	return nil
}

// ErrConsensusFailed marks exhaustion of all rounds without agreement.
var ErrConsensusFailed = errors.New("consensus failed")

// Error carries the final vote tally after all rounds failed to agree.
type Error struct {
	TaskID string
	Rounds int
	Tally  map[string]int
}

func (e *Error) Error() string {
	return fmt.Sprintf("task %s: no quorum after %d rounds (tally %v)", e.TaskID, e.Rounds, e.Tally)
}

func (e *Error) Is(target error) bool {
	return target == ErrConsensusFailed
}

// Outcome is the result of a successful consensus run.
type Outcome struct {
	Value    string
	Tally    map[string]int
	Round    int
	Received int
	// AgentIDs are the agents whose responses matched the accepted value.
	AgentIDs []string
}

// SelectFn picks n distinct agents, skipping the excluded set. The
// scheduler provides this so selection policy stays in one place.
type SelectFn func(n int, exclude map[string]bool) ([]string, error)

// ExecFn invokes a single agent for the task under consensus.
type ExecFn func(ctx context.Context, agentID string) (*task.Response, error)

// Request is an in-flight consensus round, visible for introspection and
// purged on resolution or window expiry.
type Request struct {
	TaskID    string    `json:"task_id"`
	AgentIDs  []string  `json:"agent_ids"`
	Round     int       `json:"round"`
	StartedAt time.Time `json:"started_at"`
}

// Validator runs quorum rounds. It holds no state beyond in-flight
// requests.
type Validator struct {
	cfg    Config
	mu     sync.Mutex
	flight map[string]*Request
	logger *zap.Logger
}

// New creates a validator, rejecting configurations that violate the
// N ≥ 3f+1 rule.
func New(cfg Config, logger *zap.Logger) (*Validator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Validator{
		cfg:    cfg,
		flight: make(map[string]*Request),
		logger: logger,
	}, nil
}

// Agents returns N, the number of distinct agents a round requires. The
// dispatcher uses it to hold consensus tasks queued until a full set of
// eligible agents exists.
func (v *Validator) Agents() int {
	return v.cfg.Agents
}

// Inflight returns a snapshot of requests currently being collected.
func (v *Validator) Inflight() []Request {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Request, 0, len(v.flight))
	for _, r := range v.flight {
		out = append(out, *r)
	}
	return out
}

// Run collects responses round by round until one value reaches quorum.
// Each retry uses a fresh agent set; after MaxRounds the tally surfaces
// in a consensus Error.
func (v *Validator) Run(ctx context.Context, t *task.Task, sel SelectFn, exec ExecFn) (*Outcome, error) {
	exclude := make(map[string]bool)
	var lastTally map[string]int

	for round := 1; round <= v.cfg.MaxRounds; round++ {
		agents, err := sel(v.cfg.Agents, exclude)
		if err != nil && len(exclude) > 0 {
			// Pool too small for a fully fresh set: allow reuse.
			exclude = make(map[string]bool)
			agents, err = sel(v.cfg.Agents, exclude)
		}
		if err != nil {
			return nil, fmt.Errorf("consensus round %d: %w", round, err)
		}

		outcome, tally := v.round(ctx, t, agents, round, exec)
		if outcome != nil {
			return outcome, nil
		}
		lastTally = tally
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		v.logger.Info("consensus round indeterminate",
			zap.String("task", t.ID),
			zap.Int("round", round),
			zap.Any("tally", tally))
		for _, id := range agents {
			exclude[id] = true
		}
	}

	return nil, &Error{TaskID: t.ID, Rounds: v.cfg.MaxRounds, Tally: lastTally}
}

type vote struct {
	agentID string
	resp    *task.Response
	err     error
}

// round polls the selected agents concurrently and returns an Outcome as
// soon as one value reaches quorum, without waiting for stragglers.
func (v *Validator) round(ctx context.Context, t *task.Task, agents []string, round int, exec ExecFn) (*Outcome, map[string]int) {
	rctx, cancel := context.WithTimeout(ctx, v.cfg.Window)
	defer cancel()

	req := &Request{TaskID: t.ID, AgentIDs: agents, Round: round, StartedAt: time.Now()}
	v.mu.Lock()
	v.flight[t.ID] = req
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		delete(v.flight, t.ID)
		v.mu.Unlock()
	}()

	// Buffered so late responders never block after we stop listening.
	votes := make(chan vote, len(agents))
	for _, id := range agents {
		go func(id string) {
			resp, err := exec(rctx, id)
			votes <- vote{agentID: id, resp: resp, err: err}
		}(id)
	}

	tally := make(map[string]int)
	voters := make(map[string][]string)
	// First raw output seen per comparison key, so the accepted value is
	// always an agent's actual response rather than its normalized form.
	raws := make(map[string]string)
	received := 0
	earlyNeed := quorumCount(v.cfg.Quorum, len(agents))

collect:
	for i := 0; i < len(agents); i++ {
		select {
		case vt := <-votes:
			if vt.err != nil {
				v.logger.Debug("consensus vote failed",
					zap.String("task", t.ID),
					zap.String("agent", vt.agentID),
					zap.Error(vt.err))
				continue
			}
			received++
			key := normalize(vt.resp.Output)
			if _, ok := raws[key]; !ok {
				raws[key] = vt.resp.Output
			}
			tally[key]++
			voters[key] = append(voters[key], vt.agentID)
			if tally[key] >= earlyNeed {
				cancel()
				return &Outcome{
					Value:    vt.resp.Output,
					Tally:    tally,
					Round:    round,
					Received: received,
					AgentIDs: voters[key],
				}, tally
			}
		case <-rctx.Done():
			break collect
		}
	}

	// Window closed or every agent answered: check quorum of received.
	if received > 0 {
		need := quorumCount(v.cfg.Quorum, received)
		for key, n := range tally {
			if n >= need {
				return &Outcome{
					Value:    raws[key],
					Tally:    tally,
					Round:    round,
					Received: received,
					AgentIDs: voters[key],
				}, tally
			}
		}
	}
	return nil, tally
}

// quorumCount returns the minimum agreeing count out of n. The epsilon
// guards against float artifacts like 0.7*10 = 7.000000000000001.
func quorumCount(quorum float64, n int) int {
	return int(math.Ceil(quorum*float64(n) - 1e-9))
}

// normalize produces the comparison key for a response. Exact match after
// whitespace trimming; task types needing looser comparison normalize in
// their invokers.
func normalize(output string) string {
	return strings.TrimSpace(output)
}
