package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"

	"anchorwatch/internal/config"
	"anchorwatch/internal/models"
	"anchorwatch/pkg/logger"
)

const (
	// ServiceType is the mDNS service type of an anchorwatch instance
	ServiceType = "_anchorwatch._tcp"

	// Version is advertised in the TXT record
	Version = "1"
)

// ErrNotFound is returned by Browse when no relay answered in time
var ErrNotFound = errors.New("discovery: no relay hub found")

// Service advertises this instance on the local network so a shore device
// can find the relay hub without typing an address
type Service struct {
	server       *zeroconf.Server
	mutex        sync.Mutex
	instanceName string
	domain       string
	port         int
	role         models.Role
	running      bool
	serverIP     string
}

// NewService creates a stopped advertiser for the HTTP server on port
func NewService(cfg config.DiscoveryConfig, port int) *Service {
	instanceName := cfg.Instance
	if instanceName == "" {
		hostname, _ := os.Hostname()
		instanceName = fmt.Sprintf("%s-anchorwatch", hostname)
	}
	domain := cfg.Domain
	if domain == "" {
		domain = "local."
	}

	return &Service{
		port:         port,
		instanceName: instanceName,
		domain:       domain,
		role:         models.RoleNone,
	}
}

func (s *Service) txt() []string {
	return txtRecords(s.role, s.serverIP)
}

func txtRecords(role models.Role, ip string) []string {
	records := []string{
		"version=" + Version,
		"relay=1",
		"role=" + string(role),
	}
	if ip != "" {
		records = append(records, "ip="+ip)
	}
	return records
}

// Start registers the service
func (s *Service) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return nil
	}

	ip, err := getLocalIP()
	if err != nil {
		logger.Warnf("discovery: %v", err)
	}
	s.serverIP = ip

	server, err := zeroconf.Register(s.instanceName, ServiceType, s.domain, s.port, s.txt(), nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}

	s.server = server
	s.running = true

	logger.Infof("Discovery started on %s:%d (mDNS: %s.%s)", ip, s.port, s.instanceName, ServiceType)
	return nil
}

// Stop withdraws the service
func (s *Service) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.running {
		return
	}

	if s.server != nil {
		s.server.Shutdown()
		s.server = nil
	}
	s.running = false

	logger.Info("Discovery stopped")
}

// SetRole updates the advertised session role
func (s *Service) SetRole(role models.Role) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.role == role {
		return
	}
	s.role = role
	if s.server != nil {
		s.server.SetText(s.txt())
	}
}

// IsRunning reports whether the service is registered
func (s *Service) IsRunning() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.running
}

// GetServerIP returns the advertised address
func (s *Service) GetServerIP() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.serverIP
}

// GetInstanceName returns the mDNS instance name
func (s *Service) GetInstanceName() string {
	return s.instanceName
}

func getLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String(), nil
			}
		}
	}

	return "", errors.New("could not determine the local IP address")
}

// Browse returns the URL of the first relay hub that answers before ctx ends
func Browse(ctx context.Context, domain string) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("discovery: resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, domain, entries); err != nil {
		return "", fmt.Errorf("discovery: browse: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", ErrNotFound
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if url, ok := entryURL(entry); ok {
				logger.Infof("discovery: found %s at %s", entry.Instance, url)
				return url, nil
			}
		}
	}
}

// Browser returns a Browse bound to domain
func Browser(domain string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		return Browse(ctx, domain)
	}
}

// entryURL builds the hub URL for an answer that advertises a relay
func entryURL(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil || entry.Port <= 0 {
		return "", false
	}
	txt := parseTXT(entry.Text)
	if txt["relay"] != "1" {
		return "", false
	}

	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case txt["ip"] != "":
		host = txt["ip"]
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return "", false
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)), true
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, r := range records {
		k, v, _ := strings.Cut(r, "=")
		out[k] = v
	}
	return out
}
