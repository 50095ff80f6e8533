package core

import (
	"context"
	"net"
	"runtime"
	"strconv"
	"syscall"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/lkettner/go-doorman/pkg/doorman/helper"
	"github.com/lkettner/go-doorman/pkg/doorman/types"
)

// reusePort marks the discovery port shareable before binding, so
// several nodes on one host can listen side by side. Windows only
// knows SO_REUSEADDR.
func reusePort(network, address string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		if e := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); e != nil {
			ctrlErr = e
			return
		}
		if runtime.GOOS != "windows" {
			ctrlErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		}
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// allowBroadcast flags an outbound socket for subnet broadcasts.
func allowBroadcast(network, address string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		ctrlErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// UDPBroadcast is the real Broadcaster over the fixed discovery port.
type UDPBroadcast struct {
	conf     *types.Configuration
	log      types.Logger
	listener net.PacketConn

	// Bounded FIFO window of seen msg_uuids.
	window  mapset.Set[string]
	order   []string
	maxSeen int

	producer chan Datagram
	ctx      context.Context
	finish   context.CancelFunc
}

// NewBroadcaster binds the discovery port and starts the reader.
func NewBroadcaster(conf *types.Configuration) (Broadcaster, error) {
	lc := net.ListenConfig{Control: reusePort}
	listener, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort("", portString(conf.BroadcastPort)))
	if err != nil {
		return nil, errors.Wrap(err, "binding broadcast port")
	}

	ctx, finish := context.WithCancel(context.Background())
	b := &UDPBroadcast{
		conf:     conf,
		log:      conf.Logger,
		listener: listener,
		window:   mapset.NewThreadUnsafeSet[string](),
		maxSeen:  conf.MessageBufferSize,
		producer: make(chan Datagram, 100),
		ctx:      ctx,
		finish:   finish,
	}
	go b.poll()
	return b, nil
}

// UDPBroadcast implements Broadcaster.
func (b *UDPBroadcast) Send(message types.Message) error {
	message.MsgUUID = helper.GenerateUID()
	data, err := message.Encode()
	if err != nil {
		return err
	}

	dialer := net.Dialer{Control: allowBroadcast}
	conn, err := dialer.Dial("udp4", net.JoinHostPort("255.255.255.255", portString(b.conf.BroadcastPort)))
	if err != nil {
		return errors.Wrap(err, "opening broadcast socket")
	}
	defer conn.Close()

	_, err = conn.Write(data)
	return errors.Wrap(err, "broadcasting")
}

// UDPBroadcast implements Broadcaster.
func (b *UDPBroadcast) Listen() <-chan Datagram {
	return b.producer
}

// UDPBroadcast implements Broadcaster.
func (b *UDPBroadcast) Close() error {
	b.finish()
	return b.listener.Close()
}

// seen pushes an id into the dedup window and reports whether it was
// already there. The window evicts oldest first.
func (b *UDPBroadcast) seen(id string) bool {
	if id == "" || b.window.Contains(id) {
		return true
	}
	b.window.Add(id)
	b.order = append(b.order, id)
	if len(b.order) > b.maxSeen {
		b.window.Remove(b.order[0])
		b.order = b.order[1:]
	}
	return false
}

func (b *UDPBroadcast) poll() {
	defer b.log.Debug("broadcast reader shutting down")
	buffer := make([]byte, b.conf.BufferSize)
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		_ = b.listener.SetReadDeadline(time.Now().Add(b.conf.PollTimeout))
		n, addr, err := b.listener.ReadFrom(buffer)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		message, err := types.Decode(buffer[:n])
		if err != nil {
			b.log.Warnf("dropping broadcast from %v: %v", addr, err)
			continue
		}
		if b.seen(message.MsgUUID) {
			continue
		}

		select {
		case b.producer <- Datagram{Message: message, From: addr.String()}:
		case <-b.ctx.Done():
			return
		}
	}
}

func portString(port int) string {
	return strconv.Itoa(port)
}
