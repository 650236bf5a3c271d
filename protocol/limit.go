package protocol

import (
	"sync/atomic"

	"go.uber.org/ratelimit"
	"golang.org/x/time/rate"

	"github.com/lcx/gamenet/packet"
)

// RecvLimiter implements a token bucket over received packets. Packets
// arriving without a token are dropped with a warning report, so the poller
// goroutine is never blocked.
//
// The limiter can be replaced at runtime; one RecvLimiter may be shared by
// the stacks of many sessions.
type RecvLimiter struct {
	// limiter holds a pointer to a rate.Limiter from golang.org/x/time/rate
	limiter atomic.Pointer[rate.Limiter]
}

// NewRecvLimiter creates a token bucket limiter.
//
// Parameters:
// - limit: packets allowed per second
// - burst: packets allowed at once
func NewRecvLimiter(limit int, burst int) *RecvLimiter {
	l := &RecvLimiter{}
	l.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
	return l
}

// Allow reports whether a token was available.
func (l *RecvLimiter) Allow() bool {
	return l.limiter.Load().Allow()
}

// Reload swaps in a limiter with new parameters.
func (l *RecvLimiter) Reload(limit int, burst int) {
	l.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
}

// Filter returns the stack filter enforcing the limit on received packets.
func (l *RecvLimiter) Filter() Filter {
	return func(dir Direction, pkt *packet.Packet, next FilterHandleFunc) error {
		if dir != DirRecv {
			return next(pkt)
		}
		if !l.Allow() {
			return Reportf(ReportWarn, "recv rate limited, opcode %d dropped", pkt.Opcode)
		}
		return next(pkt)
	}
}

// SendPacer implements a leaky bucket over sent packets using Uber's
// ratelimit package, spreading bursts of outbound packets evenly. Take
// blocks, so a pacer belongs on the sending service goroutine (see
// comm.WithSendPacer) and never inside a stack, whose layers run on a poller.
type SendPacer struct {
	// limiter holds a pointer to a ratelimit.Limiter from go.uber.org/ratelimit
	limiter atomic.Pointer[ratelimit.Limiter]
}

// NewSendPacer creates a pacer allowing limit packets per second.
func NewSendPacer(limit int) *SendPacer {
	limiter := ratelimit.New(limit)
	p := &SendPacer{}
	p.limiter.Store(&limiter)
	return p
}

// Take blocks until the next packet may go out.
func (p *SendPacer) Take() {
	_ = (*p.limiter.Load()).Take()
}

// Reload swaps in a pacer with a new rate.
func (p *SendPacer) Reload(limit int) {
	limiter := ratelimit.New(limit)
	p.limiter.Store(&limiter)
}
