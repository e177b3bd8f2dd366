package mediaserver

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"go2tv.app/sonosplay/internal/adapters/go2tv"
)

// routeProbeTarget is never contacted. Dialing UDP only asks the kernel which
// local address it would route from.
const routeProbeTarget = "10.255.255.255:1"

var (
	resolveHost      = defaultResolveHost
	listenAddressFor = go2tv.ListenAddressFor
	routeProbe       = defaultRouteProbe
	interfaceIPv4s   = defaultInterfaceIPv4s
)

// LANAddress reports the host the server would advertise when no peer is
// known yet.
func LANAddress(advertise string) (string, error) {
	return resolveHost(advertise, "")
}

// defaultResolveHost picks the address a renderer on the LAN can reach us on.
// Loopback is never returned.
func defaultResolveHost(advertise, peer string) (string, error) {
	if advertise = strings.TrimSpace(advertise); advertise != "" {
		if isLoopbackHost(advertise) {
			return "", fmt.Errorf("advertise host %s is a loopback address", advertise)
		}
		return advertise, nil
	}

	if peer = strings.TrimSpace(peer); peer != "" {
		if hostPort, err := listenAddressFor(peer); err == nil {
			if host, _, splitErr := net.SplitHostPort(hostPort); splitErr == nil && usableIPv4(host) {
				return host, nil
			}
		}
	}

	if host, err := routeProbe(); err == nil && usableIPv4(host) {
		return host, nil
	}

	candidates, err := interfaceIPv4s()
	if err != nil {
		return "", fmt.Errorf("list network interfaces: %w", err)
	}
	for _, host := range candidates {
		if usableIPv4(host) {
			return host, nil
		}
	}

	return "", errors.New("no non-loopback IPv4 address available")
}

func defaultRouteProbe() (string, error) {
	conn, err := net.Dial("udp", routeProbeTarget)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address %T", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}

func defaultInterfaceIPv4s() ([]string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var result []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.To4() != nil {
				result = append(result, ip.String())
			}
		}
	}
	return result, nil
}

func usableIPv4(host string) bool {
	ip := net.ParseIP(strings.TrimSpace(host))
	return ip != nil && ip.To4() != nil && !ip.IsLoopback() && !ip.IsUnspecified()
}

func isLoopbackHost(host string) bool {
	host = strings.Trim(strings.ToLower(strings.TrimSpace(host)), "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
