// ABOUTME: mDNS service discovery for ratematch status hubs
// ABOUTME: Handles advertisement by the running switcher and browsing by watchers
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Resonate-Protocol/ratematch/internal/protocol"
	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog/log"
)

// ServiceType is the DNS-SD type status hubs advertise
const ServiceType = "_ratematch._tcp"

const browseTimeout = 3 * time.Second

// Config holds discovery configuration
type Config struct {
	ServiceName string
	Port        int
}

// Manager advertises a hub or browses for hubs
type Manager struct {
	config  Config
	ctx     context.Context
	cancel  context.CancelFunc
	servers chan *ServerInfo

	mu     sync.Mutex
	server *mdns.Server
	seen   map[string]bool
}

// ServerInfo describes a discovered hub
type ServerInfo struct {
	Name    string
	Host    string
	Port    int
	Path    string
	Version int
}

// Addr returns host:port
func (s ServerInfo) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		servers: make(chan *ServerInfo, 10),
		seen:    make(map[string]bool),
	}
}

// txtRecords is what a hub publishes next to its SRV record
func txtRecords() []string {
	return []string{
		"path=" + protocol.Path,
		"version=" + strconv.Itoa(protocol.Version),
	}
}

// Advertise announces the status hub until Stop
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("list local addresses: %w", err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("no non-loopback IPv4 address to advertise")
	}

	zone, err := mdns.NewMDNSService(m.config.ServiceName, ServiceType, "", "", m.config.Port, ips, txtRecords())
	if err != nil {
		return fmt.Errorf("describe %s service: %w", ServiceType, err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: zone})
	if err != nil {
		return fmt.Errorf("start mdns responder: %w", err)
	}

	m.mu.Lock()
	m.server = server
	m.mu.Unlock()

	log.Info().
		Str("name", m.config.ServiceName).
		Int("port", m.config.Port).
		Str("type", ServiceType).
		Msg("Advertising status hub")
	return nil
}

// Browse queries for hubs every few seconds until Stop. Each hub is
// reported once.
func (m *Manager) Browse() {
	go func() {
		for m.ctx.Err() == nil {
			m.query()
		}
	}()
}

func (m *Manager) query() {
	entries := make(chan *mdns.ServiceEntry, 10)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entries {
			m.offer(serverInfo(entry))
		}
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = browseTimeout
	params.DisableIPv6 = true
	if err := mdns.Query(params); err != nil {
		log.Debug().Err(err).Msg("mDNS query failed")
	}
	close(entries)
	<-done
}

// offer forwards a hub the first time it is seen
func (m *Manager) offer(info *ServerInfo) {
	if info == nil {
		return
	}
	if info.Version != 0 && info.Version != protocol.Version {
		log.Debug().Str("name", info.Name).Int("version", info.Version).Msg("Skipping hub with other protocol version")
		return
	}

	key := info.Name + "@" + info.Addr()
	m.mu.Lock()
	dup := m.seen[key]
	m.seen[key] = true
	m.mu.Unlock()
	if dup {
		return
	}

	log.Debug().Str("name", info.Name).Str("addr", info.Addr()).Msg("Discovered status hub")
	select {
	case m.servers <- info:
	case <-m.ctx.Done():
	}
}

// serverInfo converts an mDNS entry, skipping ones without an IPv4 address
func serverInfo(entry *mdns.ServiceEntry) *ServerInfo {
	if entry == nil || entry.AddrV4 == nil {
		return nil
	}

	info := &ServerInfo{
		Name: instanceName(entry.Name),
		Host: entry.AddrV4.String(),
		Port: entry.Port,
		Path: protocol.Path,
	}
	for _, field := range entry.InfoFields {
		key, value, _ := strings.Cut(field, "=")
		switch key {
		case "path":
			info.Path = value
		case "version":
			info.Version, _ = strconv.Atoi(value)
		}
	}
	return info
}

// instanceName strips the service type and domain from an mDNS name
func instanceName(name string) string {
	if i := strings.Index(name, "."+ServiceType); i > 0 {
		name = name[:i]
	}
	return strings.ReplaceAll(name, `\ `, " ")
}

// Servers returns the channel of discovered hubs
func (m *Manager) Servers() <-chan *ServerInfo {
	return m.servers
}

// Stop ends browsing and withdraws the advertisement
func (m *Manager) Stop() {
	m.cancel()

	m.mu.Lock()
	server := m.server
	m.server = nil
	m.mu.Unlock()

	if server != nil {
		if err := server.Shutdown(); err != nil {
			log.Debug().Err(err).Msg("mDNS shutdown")
		}
	}
}

// getLocalIPs returns the IPv4 addresses of interfaces that are up
func getLocalIPs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	return ips, nil
}
