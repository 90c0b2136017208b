package protocol

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// Family is the address family of an endpoint or address.
type Family uint8

const (
	FamilyIPv4 Family = 0x01
	FamilyIPv6 Family = 0x02
)

// String returns a human-readable name for the family.
func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "IPv4"
	case FamilyIPv6:
		return "IPv6"
	default:
		return "UNKNOWN"
	}
}

// Address is an IPv4 or IPv6 endpoint address. The zero value is invalid.
type Address struct {
	ap netip.AddrPort
}

// NewAddress creates an address from an IP and port. IPv4-mapped IPv6
// addresses are reported as IPv4.
func NewAddress(ip netip.Addr, port uint16) Address {
	return Address{ap: netip.AddrPortFrom(ip.Unmap(), port)}
}

// AddressFromAddrPort wraps a netip.AddrPort.
func AddressFromAddrPort(ap netip.AddrPort) Address {
	return NewAddress(ap.Addr(), ap.Port())
}

// AddressFromNet converts a net.Addr (UDP, TCP or anything printing
// host:port) into an Address.
func AddressFromNet(addr net.Addr) (Address, error) {
	switch a := addr.(type) {
	case nil:
		return Address{}, fmt.Errorf("%w: nil address", ErrInvalidAddress)
	case *net.UDPAddr:
		return AddressFromAddrPort(a.AddrPort()), nil
	case *net.TCPAddr:
		return AddressFromAddrPort(a.AddrPort()), nil
	default:
		return ParseAddress(addr.String())
	}
}

// ParseAddress parses a literal "ip:port" or "[ip6]:port" string.
func ParseAddress(s string) (Address, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return AddressFromAddrPort(ap), nil
}

// ParseHostPort parses a literal IP and a port.
func ParseHostPort(host string, port uint16) (Address, error) {
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return NewAddress(ip, port), nil
}

// IsValid reports whether the address holds an IP.
func (a Address) IsValid() bool {
	return a.ap.Addr().IsValid()
}

// Family returns the address family.
func (a Address) Family() Family {
	if a.ap.Addr().Is4() {
		return FamilyIPv4
	}
	return FamilyIPv6
}

// IP returns the IP part of the address.
func (a Address) IP() netip.Addr {
	return a.ap.Addr()
}

// Port returns the port.
func (a Address) Port() uint16 {
	return a.ap.Port()
}

// WithPort returns a copy of the address with a different port.
func (a Address) WithPort(port uint16) Address {
	return Address{ap: netip.AddrPortFrom(a.ap.Addr(), port)}
}

// AddrPort returns the underlying netip.AddrPort.
func (a Address) AddrPort() netip.AddrPort {
	return a.ap
}

// String returns "ip:port", or "invalid" for the zero value.
func (a Address) String() string {
	if !a.IsValid() {
		return "invalid"
	}
	return a.ap.String()
}

// EncodedLen returns the size of the encoded address.
func (a Address) EncodedLen() int {
	if a.Family() == FamilyIPv4 {
		return 3 + 4
	}
	return 3 + 16
}

// AppendEncode appends the binary form: family [1], port [2], ip [4|16].
func (a Address) AppendEncode(buf []byte) []byte {
	buf = append(buf, byte(a.Family()))
	buf = binary.BigEndian.AppendUint16(buf, a.Port())
	if a.Family() == FamilyIPv4 {
		ip4 := a.IP().As4()
		return append(buf, ip4[:]...)
	}
	ip16 := a.IP().As16()
	return append(buf, ip16[:]...)
}

// DecodeAddress decodes an address and returns the number of bytes consumed.
func DecodeAddress(buf []byte) (Address, int, error) {
	if len(buf) < 3 {
		return Address{}, 0, fmt.Errorf("%w: address too short", ErrInvalidFrame)
	}
	family := Family(buf[0])
	port := binary.BigEndian.Uint16(buf[1:3])

	switch family {
	case FamilyIPv4:
		if len(buf) < 7 {
			return Address{}, 0, fmt.Errorf("%w: IPv4 address truncated", ErrInvalidFrame)
		}
		ip := netip.AddrFrom4([4]byte(buf[3:7]))
		return NewAddress(ip, port), 7, nil
	case FamilyIPv6:
		if len(buf) < 19 {
			return Address{}, 0, fmt.Errorf("%w: IPv6 address truncated", ErrInvalidFrame)
		}
		ip := netip.AddrFrom16([16]byte(buf[3:19]))
		return Address{ap: netip.AddrPortFrom(ip, port)}, 19, nil
	default:
		return Address{}, 0, fmt.Errorf("%w: unknown address family %d", ErrInvalidFrame, family)
	}
}

// WildcardAddress returns the unspecified address of a family.
func WildcardAddress(family Family, port uint16) Address {
	if family == FamilyIPv4 {
		return Address{ap: netip.AddrPortFrom(netip.IPv4Unspecified(), port)}
	}
	return Address{ap: netip.AddrPortFrom(netip.IPv6Unspecified(), port)}
}
