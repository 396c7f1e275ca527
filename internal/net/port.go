package net

import (
	"fmt"
	"net"
	"strconv"
)

func GetEphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("resolving localhost:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// InterfaceIP returns the first usable address of the named network interface, preferring IPv4.
func InterfaceIP(name string) (net.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("finding interface %q: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("listing addresses of %q: %w", name, err)
	}

	var fallback net.IP
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		if ipNet.IP.To4() != nil {
			return ipNet.IP, nil
		}
		if fallback == nil {
			fallback = ipNet.IP
		}
	}
	if fallback == nil {
		return nil, fmt.Errorf("interface %q has no usable address", name)
	}
	return fallback, nil
}

// ListenAddr joins the address of the named interface with port. An empty interface listens on all addresses.
func ListenAddr(iface string, port int) (string, error) {
	host := ""
	if iface != "" {
		ip, err := InterfaceIP(iface)
		if err != nil {
			return "", err
		}
		host = ip.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
