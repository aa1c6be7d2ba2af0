package flow

import "net"

// Addr is a fixed-size, comparable stand-in for a UDP peer address, so
// it can key a Go map. net.UDPAddr itself isn't comparable (it embeds
// a net.IP slice), so every table key in this package is an Addr.
type Addr struct {
	IP   [16]byte // IPv4 addresses are stored v4-in-v6 mapped
	Port int
	Zone string
}

// AddrFromUDP converts a *net.UDPAddr into a comparable Addr.
func AddrFromUDP(a *net.UDPAddr) Addr {
	var out Addr
	copy(out.IP[:], a.IP.To16())
	out.Port = a.Port
	out.Zone = a.Zone
	return out
}

// UDPAddr converts back to a *net.UDPAddr for use with a socket.
func (a Addr) UDPAddr() *net.UDPAddr {
	ip := make(net.IP, 16)
	copy(ip, a.IP[:])
	return &net.UDPAddr{IP: ip, Port: a.Port, Zone: a.Zone}
}

func (a Addr) String() string {
	return a.UDPAddr().String()
}
