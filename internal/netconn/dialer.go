package netconn

import (
	"net"
	"time"
)

// DialFunc opens one outbound stream. tests swap in fakes; production uses
// net.DialTimeout over tcp.
type DialFunc func(addr string, timeout time.Duration) (net.Conn, error)

func netDial(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

type dialResult struct {
	seq int
	nc  net.Conn
	err error
}

// Dialer runs connect attempts off the polling thread so the tick loop never
// blocks on a slow handshake. each Start supersedes the previous attempt;
// a superseded attempt's eventual completion is discarded (and its socket
// closed) so a stale connection cannot resurrect after the caller moved on.
type Dialer struct {
	dial    DialFunc
	timeout time.Duration
	seq     int
	results chan dialResult
}

func NewDialer(dial DialFunc, timeout time.Duration) *Dialer {
	if dial == nil {
		dial = netDial
	}
	return &Dialer{
		dial:    dial,
		timeout: timeout,
		// buffered so completions of superseded attempts never block
		// their goroutines
		results: make(chan dialResult, 8),
	}
}

// Start kicks off a new connect attempt, superseding any in-flight one.
func (d *Dialer) Start(addr string) {
	d.seq += 1
	seq := d.seq
	go func() {
		nc, err := d.dial(addr, d.timeout)
		d.results <- dialResult{seq: seq, nc: nc, err: err}
	}()
}

// Poll reports the outcome of the active attempt, if it completed. done is
// false while the attempt is still in flight (or none was started).
func (d *Dialer) Poll() (nc net.Conn, err error, done bool) {
	for {
		select {
		case res := <-d.results:
			if res.seq != d.seq {
				// superseded attempt, discard
				if res.nc != nil {
					res.nc.Close()
				}
				continue
			}
			return res.nc, res.err, true
		default:
			return nil, nil, false
		}
	}
}
