package core

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/lkettner/go-doorman/pkg/doorman/helper"
	"github.com/lkettner/go-doorman/pkg/doorman/types"
)

const (
	// Per attempt connect budget; a peer slower than this is treated
	// as absent.
	tcpConnectTimeout = 2 * time.Second

	// Backoff bounds between send retries.
	tcpRetryInitial = 200 * time.Millisecond
	tcpRetryMax     = 500 * time.Millisecond
)

// TCPTransport is the real Unicaster: an ephemeral listener plus a
// fresh outbound connection per message.
type TCPTransport struct {
	conf     *types.Configuration
	log      types.Logger
	listener *net.TCPListener
	addr     types.Address

	producer chan Datagram
	ctx      context.Context
	finish   context.CancelFunc
}

// NewTCPTransport binds an ephemeral port and starts accepting.
func NewTCPTransport(conf *types.Configuration) (Unicaster, error) {
	listener, err := net.ListenTCP("tcp4", &net.TCPAddr{Port: 0})
	if err != nil {
		return nil, errors.Wrap(err, "binding tcp listener")
	}

	port := listener.Addr().(*net.TCPAddr).Port
	ctx, finish := context.WithCancel(context.Background())
	t := &TCPTransport{
		conf:     conf,
		log:      conf.Logger,
		listener: listener,
		addr:     types.Address{Address: helper.RealIP(), Port: port},
		producer: make(chan Datagram, 100),
		ctx:      ctx,
		finish:   finish,
	}
	t.log.Debugf("tcp listener bound to %s:%d", t.addr.Address, t.addr.Port)
	go t.poll()
	return t, nil
}

// TCPTransport implements Unicaster. One attempt is connect, write
// everything, close; the attempt succeeds only when the whole payload
// went out. Up to MaxTries attempts with a short backoff in between,
// then the peer is reported absent.
func (t *TCPTransport) Send(message types.Message, to types.Address) bool {
	data, err := message.Encode()
	if err != nil {
		t.log.Errorf("encoding %s for %s:%d: %v", message.Intention, to.Address, to.Port, err)
		return false
	}

	dest := net.JoinHostPort(to.Address, strconv.Itoa(to.Port))
	attempt := func() error {
		conn, err := net.DialTimeout("tcp4", dest, tcpConnectTimeout)
		if err != nil {
			return err
		}
		defer conn.Close()
		n, err := conn.Write(data)
		if err != nil {
			return err
		}
		if n != len(data) {
			return errors.Errorf("short write: %d of %d", n, len(data))
		}
		return nil
	}

	policy := backoff.WithMaxRetries(newSendBackoff(), uint64(t.conf.MaxTries-1))
	if err := backoff.Retry(attempt, policy); err != nil {
		t.log.Debugf("tcp send %s to %s failed: %v", message.Intention, dest, err)
		return false
	}
	return true
}

// TCPTransport implements Unicaster.
func (t *TCPTransport) Listen() <-chan Datagram {
	return t.producer
}

// TCPTransport implements Unicaster.
func (t *TCPTransport) Addr() types.Address {
	return t.addr
}

// TCPTransport implements Unicaster.
func (t *TCPTransport) Close() error {
	t.finish()
	return t.listener.Close()
}

func (t *TCPTransport) poll() {
	defer t.log.Debug("tcp acceptor shutting down")
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		_ = t.listener.SetDeadline(time.Now().Add(t.conf.PollTimeout))
		conn, err := t.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		t.receive(conn)
	}
}

// receive reads one connection to EOF and publishes the message. A
// connection carries exactly one JSON object.
func (t *TCPTransport) receive(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(tcpConnectTimeout))

	data, err := io.ReadAll(conn)
	if err != nil {
		t.log.Warnf("reading from %v: %v", conn.RemoteAddr(), err)
		return
	}
	message, err := types.Decode(data)
	if err != nil {
		t.log.Warnf("dropping tcp payload from %v: %v", conn.RemoteAddr(), err)
		return
	}

	select {
	case t.producer <- Datagram{Message: message, From: conn.RemoteAddr().String()}:
	case <-t.ctx.Done():
	}
}

func newSendBackoff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = tcpRetryInitial
	policy.MaxInterval = tcpRetryMax
	policy.MaxElapsedTime = 0
	return policy
}
