package helper

import (
	"net"

	"github.com/google/uuid"
)

// GenerateUID returns a fresh process-lifetime-unique identifier.
// The string form sorts lexicographically, which is what the ring
// order and leader selection rely on.
func GenerateUID() string {
	return uuid.New().String()
}

// RealIP resolves the address this host reaches the LAN with, the
// same trick the sockets cannot do for us: dial out and look at the
// chosen source address. Falls back to loopback when offline.
func RealIP() string {
	conn, err := net.Dial("udp", "1.1.1.1:1")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
