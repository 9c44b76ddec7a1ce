// SPDX-License-Identifier: GPL-2.0-or-later

package client

import (
	"net"
	"net/netip"
	"time"

	"github.com/pkg/errors"

	"p21fc/netaddr"
)

// udpSocket is the default Socket implementation over an unconnected UDP
// socket bound to an ephemeral port.
type udpSocket struct {
	conn *net.UDPConn
	ipv4 bool
}

type udpFactory struct{}

func (udpFactory) NewSocket(ipv4 bool) (Socket, error) {
	network := "udp6"
	if ipv4 {
		network = "udp4"
	}
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "client: cannot bind a %s socket", network)
	}
	return &udpSocket{conn: conn, ipv4: ipv4}, nil
}

func (s *udpSocket) IsIPv4() bool { return s.ipv4 }

func (s *udpSocket) SendDatagram(addr netaddr.Address, data []byte) bool {
	_, err := s.conn.WriteToUDPAddrPort(data, netip.AddrPortFrom(addr.IP(), addr.Port()))
	return err == nil
}

// ReadFrom is non-blocking: an immediate deadline turns an empty queue into
// a timeout error.
func (s *udpSocket) ReadFrom(buf []byte) (int, netaddr.Address, bool) {
	s.conn.SetReadDeadline(time.Now())
	n, ap, err := s.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return 0, netaddr.Address{}, false
	}
	return n, netaddr.New(ap.Addr().Unmap(), ap.Port()), true
}

func (s *udpSocket) Close() error {
	return s.conn.Close()
}
