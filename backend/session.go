package backend

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/statupdate/telemetry"
)

type pending struct {
	cmd     telemetry.Command
	onReply func(reply any, err error)
}

// session is one established connection and its writer.
type session struct {
	gen       uint64
	client    *goredis.Client
	queue     chan pending
	batchSize int
	ping      time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
}

func newSession(gen uint64, client *goredis.Client, cfg Config) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		gen:       gen,
		client:    client,
		queue:     make(chan pending, cfg.QueueSize),
		batchSize: cfg.BatchSize,
		ping:      cfg.PingInterval,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// run drains the queue until the session is cancelled or the connection
// fails. A failure is reported to the loop, which owns the state change.
func (s *session) run(m *Manager) {
	var tick <-chan time.Time
	if s.ping > 0 {
		t := time.NewTicker(s.ping)
		defer t.Stop()
		tick = t.C
	}

	batch := make([]pending, 0, s.batchSize)
	for {
		batch = batch[:0]
		select {
		case <-s.ctx.Done():
			return
		case p := <-s.queue:
			batch = append(batch, p)
		case <-tick:
			if err := s.client.Ping(s.ctx).Err(); err != nil && !isReplyError(err) {
				s.fail(m, err)
				return
			}
			continue
		}

	drain:
		for len(batch) < s.batchSize {
			select {
			case p := <-s.queue:
				batch = append(batch, p)
			default:
				break drain
			}
		}

		if err := s.exec(m, batch); err != nil {
			s.fail(m, err)
			return
		}
	}
}

// exec sends batch as one pipeline and posts each reply callback to the
// loop. It returns the first transport error; error replies from the
// server are delivered to callbacks and do not fail the batch.
func (s *session) exec(m *Manager, batch []pending) error {
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.Cmd, len(batch))
	for i, p := range batch {
		cmds[i] = pipe.Do(s.ctx, p.cmd.Args()...)
	}
	_, _ = pipe.Exec(s.ctx)
	m.metrics.AddCommandsDispatched(len(batch))

	var transportErr error
	for i, p := range batch {
		val, err := cmds[i].Result()
		if err != nil && transportErr == nil && !isReplyError(err) {
			transportErr = err
		}
		if p.onReply != nil {
			onReply := p.onReply
			m.loop.Post(func() { onReply(val, err) })
		}
	}
	if transportErr != nil {
		m.metrics.IncBatchFailures()
	}
	return transportErr
}

func (s *session) fail(m *Manager, err error) {
	if s.ctx.Err() != nil {
		// Cancelled by the loop; it already knows.
		return
	}
	gen := s.gen
	m.loop.Post(func() { m.onDisconnect(gen, err) })
}

// isReplyError reports whether err is an error reply from the server
// (including a nil reply) rather than a transport failure.
func isReplyError(err error) bool {
	var replyErr goredis.Error
	return errors.As(err, &replyErr)
}
