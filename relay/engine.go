package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type opKind int

const (
	opSend opKind = iota
	opUpdate
	opDelete
)

type job struct {
	ctx     context.Context
	op      opKind
	route   RoutePair
	policy  RoutePolicy
	msg     Message
	destCh  int64
	destMsg int64
	wg      *sync.WaitGroup
}

// Engine fans relay work out across destinations. Each destination channel
// gets its own single-writer worker fed by a FIFO queue, so messages appear
// in a destination in the order their sources were observed, while distinct
// destinations proceed in parallel and a slow destination never blocks a
// healthy one.
//
// Relay, PropagateUpdate and PropagateDelete must not be called concurrently
// with Close; the host stops intake before shutting down. Close drains every
// job already accepted.
type Engine struct {
	registry *Registry
	ledger   *Ledger
	health   *HealthTracker
	sender   Sender
	log      *zap.Logger

	maxAttempts    int
	sendTimeout    time.Duration
	retryBackoff   time.Duration
	queueSize      int
	disableFailing bool

	mu     sync.Mutex
	closed bool
	queues map[int64]chan job
	grp    *errgroup.Group
	bg     sync.WaitGroup
	done   chan struct{}
}

func NewEngine(registry *Registry, ledger *Ledger, health *HealthTracker, sender Sender, cfg *Config, log *zap.Logger) *Engine {
	cfg.WithDefaults()
	return &Engine{
		registry:       registry,
		ledger:         ledger,
		health:         health,
		sender:         sender,
		log:            log,
		maxAttempts:    cfg.MaxAttempts,
		sendTimeout:    cfg.SendTimeout.Std(),
		retryBackoff:   cfg.RetryBackoff.Std(),
		queueSize:      cfg.QueueSize,
		disableFailing: *cfg.DisableFailing,
		queues:         make(map[int64]chan job),
		grp:            new(errgroup.Group),
		done:           make(chan struct{}),
	}
}

// Relay looks up the enabled destinations for the message's source channel
// and dispatches one send per route. It returns once all sends are queued;
// outcomes are recorded asynchronously. Relaying into the source channel
// itself is always skipped to break mirror loops.
func (e *Engine) Relay(ctx context.Context, msg Message) error {
	routes, err := e.registry.LookupDestinations(msg.SourceChannel)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	queued := 0
	for i := range routes {
		route := routes[i]
		if route.DestID == msg.SourceChannel {
			continue
		}
		j := job{
			ctx:    ctx,
			op:     opSend,
			route:  RoutePair{Src: route.SrcID, Dest: route.DestID},
			policy: e.health.PolicyFor(&route),
			msg:    msg,
			destCh: route.DestID,
			wg:     &wg,
		}
		if err := e.enqueue(ctx, j); err != nil {
			wg.Wait()
			return err
		}
		queued++
	}
	if queued == 0 {
		return nil
	}

	// Sweep for failing routes once this message's fan-out settles.
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		wg.Wait()
		e.sweep()
	}()
	return nil
}

// PropagateUpdate applies an edit of the source message to every mirrored
// copy. Targets come from the ledger; ledger rows are left untouched.
func (e *Engine) PropagateUpdate(ctx context.Context, sourceMsg int64, msg Message) error {
	rows, err := e.ledger.MirrorsOf(sourceMsg)
	if err != nil {
		return err
	}
	for _, row := range rows {
		j := job{
			ctx:     ctx,
			op:      opUpdate,
			msg:     msg,
			destCh:  row.DestChannel,
			destMsg: row.DestMsg,
		}
		if err := e.enqueue(ctx, j); err != nil {
			return err
		}
	}
	return nil
}

// PropagateDelete removes every mirrored copy of the source message.
func (e *Engine) PropagateDelete(ctx context.Context, sourceMsg int64) error {
	rows, err := e.ledger.MirrorsOf(sourceMsg)
	if err != nil {
		return err
	}
	for _, row := range rows {
		j := job{
			ctx:     ctx,
			op:      opDelete,
			destCh:  row.DestChannel,
			destMsg: row.DestMsg,
		}
		if err := e.enqueue(ctx, j); err != nil {
			return err
		}
	}
	return nil
}

// Close stops intake, waits for every queued job to finish, and returns.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	close(e.done)
	err := e.grp.Wait()
	e.bg.Wait()
	return err
}

func (e *Engine) enqueue(ctx context.Context, j job) error {
	q, err := e.queueFor(j.destCh)
	if err != nil {
		return err
	}
	if j.wg != nil {
		j.wg.Add(1)
	}
	select {
	case q <- j:
		return nil
	case <-ctx.Done():
		if j.wg != nil {
			j.wg.Done()
		}
		return ctx.Err()
	case <-e.done:
		if j.wg != nil {
			j.wg.Done()
		}
		return ErrEngineClosed
	}
}

func (e *Engine) queueFor(dest int64) (chan job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	q, ok := e.queues[dest]
	if !ok {
		q = make(chan job, e.queueSize)
		e.queues[dest] = q
		e.grp.Go(func() error {
			e.runWorker(dest, q)
			return nil
		})
	}
	return q, nil
}

// runWorker is the single writer for one destination channel. After Close it
// drains whatever is still queued before exiting.
func (e *Engine) runWorker(dest int64, q chan job) {
	for {
		select {
		case j := <-q:
			e.process(j)
		case <-e.done:
			for {
				select {
				case j := <-q:
					e.process(j)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) process(j job) {
	switch j.op {
	case opSend:
		e.processSend(j)
	case opUpdate:
		e.processEdit(j, "update", func(ctx context.Context) error {
			return e.sender.Update(ctx, j.destCh, j.destMsg, j.msg)
		})
	case opDelete:
		e.processEdit(j, "delete", func(ctx context.Context) error {
			return e.sender.Delete(ctx, j.destCh, j.destMsg)
		})
	}
	if j.wg != nil {
		j.wg.Done()
	}
}

func (e *Engine) processSend(j job) {
	err := e.attempt(j.ctx, func(ctx context.Context) error {
		return e.sender.Send(ctx, j.destCh, j.msg)
	})
	if err == nil {
		if perr := j.policy.OnSuccess(j.route); perr != nil {
			e.log.Error("recording relay success failed", zap.Error(perr),
				zap.Int64("src", j.route.Src), zap.Int64("dest", j.route.Dest))
		}
		if _, lerr := e.ledger.RecordRelay(j.msg.SourceChannel, j.msg.SourceMessage, j.destCh); lerr != nil {
			// The send is confirmed; a missing ledger row means edits will
			// not propagate to this copy, which beats a duplicate mirror.
			e.log.Error("ledger write failed after confirmed send", zap.Error(lerr),
				zap.Int64("source_msg", j.msg.SourceMessage), zap.Int64("dest_ch", j.destCh))
		}
		return
	}

	// Unknown outcomes are counted as failures and skip the ledger: treating
	// them as success would falsely reset the counter, and re-sending could
	// produce a duplicate mirror.
	e.log.Warn("relay failed",
		zap.Int64("src", j.route.Src), zap.Int64("dest", j.route.Dest),
		zap.Int64("source_msg", j.msg.SourceMessage), zap.Error(err))
	if perr := j.policy.OnFailure(j.route); perr != nil {
		e.log.Error("recording relay failure failed", zap.Error(perr),
			zap.Int64("src", j.route.Src), zap.Int64("dest", j.route.Dest))
	}
}

func (e *Engine) processEdit(j job, op string, send func(context.Context) error) {
	if err := e.attempt(j.ctx, send); err != nil {
		e.log.Warn("propagation failed", zap.String("op", op),
			zap.Int64("dest_ch", j.destCh), zap.Int64("dest_msg", j.destMsg),
			zap.Error(err))
	}
}

// attempt runs one relay operation with a per-attempt timeout and a bounded
// retry budget with doubling backoff. An unknown outcome is returned
// immediately: without idempotency protection a blind retry risks
// duplicates.
func (e *Engine) attempt(ctx context.Context, send func(context.Context) error) error {
	backoff := e.retryBackoff
	var lastErr error
	for i := 1; i <= e.maxAttempts; i++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
		err := send(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = classifyRelayErr(err)
		if errors.Is(lastErr, ErrRelayUnknown) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if i < e.maxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return lastErr
			}
			backoff *= 2
		}
	}
	return lastErr
}

func classifyRelayErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrRelayTimeout
	}
	return err
}

func (e *Engine) sweep() {
	if e.disableFailing {
		if _, err := e.health.DisableFailing(); err != nil {
			e.log.Error("auto-disable sweep failed", zap.Error(err))
		}
		return
	}
	pairs, err := e.health.FailingRoutes()
	if err != nil {
		e.log.Error("failing-route sweep failed", zap.Error(err))
		return
	}
	if len(pairs) > 0 {
		e.log.Warn("would auto-disable failing routes", zap.Int("routes", len(pairs)))
	}
}
