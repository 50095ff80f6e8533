package core

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"

	"github.com/lkettner/go-doorman/pkg/doorman/types"
)

// UDPMulticast is the real MulticastConn: one socket joined to the
// group for listening, one outbound socket with TTL 1 for group sends
// and for the point to point proposal and recovery traffic. Both are
// owned by a single reader goroutine.
type UDPMulticast struct {
	conf  *types.Configuration
	log   types.Logger
	group *net.UDPAddr

	listener *net.UDPConn
	sender   *net.UDPConn

	producer chan Datagram
	ctx      context.Context
	finish   context.CancelFunc
}

// NewMulticastConn joins the configured group on the interface the
// kernel picks and prepares the sender.
func NewMulticastConn(conf *types.Configuration) (MulticastConn, error) {
	group := &net.UDPAddr{
		IP:   net.ParseIP(conf.MulticastAddress),
		Port: conf.MulticastPort,
	}
	if group.IP == nil {
		return nil, errors.Errorf("bad multicast address %q", conf.MulticastAddress)
	}

	lc := net.ListenConfig{Control: reusePort}
	packet, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort("", strconv.Itoa(conf.MulticastPort)))
	if err != nil {
		return nil, errors.Wrap(err, "binding multicast port")
	}
	listener := packet.(*net.UDPConn)

	pc := ipv4.NewPacketConn(listener)
	if err := pc.JoinGroup(nil, &net.UDPAddr{IP: group.IP}); err != nil {
		listener.Close()
		return nil, errors.Wrap(err, "joining multicast group")
	}

	sender, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		listener.Close()
		return nil, errors.Wrap(err, "binding multicast sender")
	}
	sc := ipv4.NewPacketConn(sender)
	_ = sc.SetMulticastTTL(1)
	_ = sc.SetMulticastLoopback(true)

	ctx, finish := context.WithCancel(context.Background())
	m := &UDPMulticast{
		conf:     conf,
		log:      conf.Logger,
		group:    group,
		listener: listener,
		sender:   sender,
		producer: make(chan Datagram, 100),
		ctx:      ctx,
		finish:   finish,
	}
	go m.poll()
	return m, nil
}

// UDPMulticast implements MulticastConn.
func (m *UDPMulticast) SendGroup(message types.Message) error {
	return m.write(message, m.group)
}

// UDPMulticast implements MulticastConn.
func (m *UDPMulticast) SendTo(message types.Message, to string) error {
	addr, err := net.ResolveUDPAddr("udp4", to)
	if err != nil {
		return errors.Wrapf(err, "resolving %q", to)
	}
	return m.write(message, addr)
}

func (m *UDPMulticast) write(message types.Message, to *net.UDPAddr) error {
	data, err := message.Encode()
	if err != nil {
		return err
	}
	_, err = m.sender.WriteToUDP(data, to)
	return errors.Wrapf(err, "multicast write to %v", to)
}

// UDPMulticast implements MulticastConn.
func (m *UDPMulticast) Listen() <-chan Datagram {
	return m.producer
}

// UDPMulticast implements MulticastConn.
func (m *UDPMulticast) Close() error {
	m.finish()
	err := m.listener.Close()
	if serr := m.sender.Close(); err == nil {
		err = serr
	}
	return err
}

// poll multiplexes both sockets: group traffic arrives on the
// listener, proposal and recovery answers on the sender, because
// peers reply to the datagram's source address.
func (m *UDPMulticast) poll() {
	defer m.log.Debug("multicast reader shutting down")
	read := func(conn *net.UDPConn) bool {
		buffer := make([]byte, m.conf.BufferSize)
		_ = conn.SetReadDeadline(time.Now().Add(m.conf.PollTimeout))
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return true
			}
			return false
		}
		message, err := types.Decode(buffer[:n])
		if err != nil {
			m.log.Warnf("dropping multicast payload from %v: %v", addr, err)
			return true
		}
		select {
		case m.producer <- Datagram{Message: message, From: addr.String()}:
		case <-m.ctx.Done():
			return false
		}
		return true
	}

	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}
		if !read(m.listener) || !read(m.sender) {
			return
		}
	}
}
