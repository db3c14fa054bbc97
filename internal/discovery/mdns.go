// ABOUTME: mDNS discovery of snapservers on the local network
// ABOUTME: Browses the stream (TCP) or HTTP (websocket) service type
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/sirupsen/logrus"
)

const (
	// ServiceStream is announced for the binary stream port (1704)
	ServiceStream = "_snapcast._tcp"
	// ServiceHTTP is announced for the HTTP/websocket port (1780)
	ServiceHTTP = "_snapcast-http._tcp"

	queryTimeout = 3 * time.Second
)

// ErrNoInterface is returned when no usable network interface exists
var ErrNoInterface = errors.New("discovery: no usable network interface")

// Config holds discovery configuration
type Config struct {
	Service string
	Logger  logrus.FieldLogger
}

// Manager browses for servers until stopped
type Manager struct {
	config  Config
	log     logrus.FieldLogger
	ctx     context.Context
	cancel  context.CancelFunc
	servers chan *ServerInfo
}

// ServerInfo describes a discovered server
type ServerInfo struct {
	Name string
	Host string
	Port int
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	if config.Service == "" {
		config.Service = ServiceStream
	}
	if config.Logger == nil {
		config.Logger = logrus.WithField("component", "discovery")
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:  config,
		log:     config.Logger,
		ctx:     ctx,
		cancel:  cancel,
		servers: make(chan *ServerInfo, 10),
	}
}

// Browse searches for servers in the background
func (m *Manager) Browse() {
	go m.browseLoop()
}

// browseLoop queries repeatedly; each server is reported once
func (m *Manager) browseLoop() {
	seen := make(map[string]bool)

	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)
		done := make(chan struct{})

		go func() {
			defer close(done)
			for entry := range entries {
				server := serverFromEntry(entry)
				if server == nil {
					continue
				}
				key := fmt.Sprintf("%s@%s:%d", server.Name, server.Host, server.Port)
				if seen[key] {
					continue
				}
				seen[key] = true

				m.log.WithFields(logrus.Fields{
					"name": server.Name,
					"host": server.Host,
					"port": server.Port,
				}).Info("Discovered server")

				select {
				case m.servers <- server:
				case <-m.ctx.Done():
				}
			}
		}()

		params := mdns.DefaultParams(m.config.Service)
		params.Entries = entries
		params.Timeout = queryTimeout
		params.DisableIPv6 = true

		if err := mdns.Query(params); err != nil {
			m.log.Debugf("mDNS query failed: %v", err)
		}
		close(entries)
		<-done

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func serverFromEntry(entry *mdns.ServiceEntry) *ServerInfo {
	var host string
	switch {
	case entry.AddrV4 != nil:
		host = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		host = entry.AddrV6.String()
	case entry.Host != "":
		host = entry.Host
	default:
		return nil
	}
	return &ServerInfo{Name: entry.Name, Host: host, Port: entry.Port}
}

// Servers returns the channel of discovered servers
func (m *Manager) Servers() <-chan *ServerInfo {
	return m.servers
}

// Wait returns the first server found, or an error once ctx is done
func (m *Manager) Wait(ctx context.Context) (*ServerInfo, error) {
	select {
	case server := <-m.servers:
		return server, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("no %s server found: %w", m.config.Service, ctx.Err())
	}
}

// Stop stops the discovery manager
func (m *Manager) Stop() {
	m.cancel()
}

// Interface describes the local network identity announced to the server
type Interface struct {
	Name string
	MAC  net.HardwareAddr
	IPs  []net.IP
}

// LocalInterface returns the first interface that is up, not loopback, and
// has both a hardware address and an IPv4 address
func LocalInterface() (*Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		var ips []net.IP
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP)
			}
		}
		if len(ips) > 0 {
			return &Interface{Name: iface.Name, MAC: iface.HardwareAddr, IPs: ips}, nil
		}
	}

	return nil, ErrNoInterface
}
