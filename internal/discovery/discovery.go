// Package discovery advertises signaling servers on the local network and
// finds them again over mDNS/DNS-SD.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/1ureka/huddle/internal/util"
)

const (
	// Service is the DNS-SD service type of a huddle signaling server.
	Service = "_huddle._tcp"
	// Domain is the mDNS browse domain.
	Domain = "local."

	// DefaultBrowseTimeout bounds Browse when ctx has no deadline.
	DefaultBrowseTimeout = 3 * time.Second
)

// MDNSServer is a registered mDNS responder.
type MDNSServer interface {
	Shutdown()
}

// MDNSServerFactory registers responders. Tests substitute a fake.
type MDNSServerFactory interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

// MDNSResolver browses for responders. Tests substitute a fake.
type MDNSResolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

type zeroconfServerFactory struct{}

func (zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

type zeroconfResolver struct{}

func (zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	return r.Browse(ctx, service, domain, entries)
}

// Announcement is what a server publishes about itself.
type Announcement struct {
	Instance    string
	Port        int
	Rooms       []string
	PINRequired bool
}

func (a Announcement) txt() []string {
	txt := []string{"v=1", "pin=" + strconv.FormatBool(a.PINRequired)}
	if len(a.Rooms) > 0 {
		txt = append(txt, "rooms="+strings.Join(a.Rooms, ","))
	}
	return txt
}

// Server is a discovered signaling server.
type Server struct {
	Instance    string
	Host        string
	Port        int
	IPs         []net.IP
	Rooms       []string
	PINRequired bool
}

// URL returns the WebSocket base URL of the server, preferring IPv4.
func (s Server) URL() string {
	host := strings.TrimSuffix(s.Host, ".")
	if len(s.IPs) > 0 {
		host = s.IPs[0].String()
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(s.Port))
}

// Advertiser publishes one announcement at a time.
type Advertiser struct {
	factory MDNSServerFactory

	mu     sync.Mutex
	server MDNSServer
}

// NewAdvertiser returns an Advertiser. A nil factory uses zeroconf.
func NewAdvertiser(factory MDNSServerFactory) *Advertiser {
	if factory == nil {
		factory = zeroconfServerFactory{}
	}
	return &Advertiser{factory: factory}
}

// Start publishes a, replacing any previous announcement.
func (a *Advertiser) Start(ann Announcement) error {
	if ann.Port <= 0 || ann.Port > 65535 {
		return fmt.Errorf("invalid port %d", ann.Port)
	}
	if ann.Instance == "" {
		ann.Instance = "huddle"
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	srv, err := a.factory.Register(ann.Instance, Service, Domain, ann.Port, ann.txt(), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	a.server = srv
	util.LogInfo("advertising %q on %s port %d", ann.Instance, Service, ann.Port)
	return nil
}

// Advertising reports whether an announcement is active.
func (a *Advertiser) Advertising() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// Stop withdraws the announcement. Safe to call more than once.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Browser finds advertised servers.
type Browser struct {
	resolver MDNSResolver
	timeout  time.Duration
}

// NewBrowser returns a Browser. A nil resolver uses zeroconf.
func NewBrowser(resolver MDNSResolver, timeout time.Duration) *Browser {
	if resolver == nil {
		resolver = zeroconfResolver{}
	}
	if timeout <= 0 {
		timeout = DefaultBrowseTimeout
	}
	return &Browser{resolver: resolver, timeout: timeout}
}

// Browse collects servers until ctx ends or the browse timeout elapses.
// Results are deduplicated by instance and sorted by name.
func (b *Browser) Browse(ctx context.Context) ([]Server, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	entries := make(chan *zeroconf.ServiceEntry)
	recv := (<-chan *zeroconf.ServiceEntry)(entries)
	errc := make(chan error, 1)
	go func() {
		errc <- b.resolver.Browse(ctx, Service, Domain, entries)
	}()

	found := make(map[string]Server)
	for {
		select {
		case e, ok := <-recv:
			// zeroconf closes the channel once ctx ends.
			if !ok {
				recv = nil
				continue
			}
			if e == nil {
				continue
			}
			s := serverFromEntry(e)
			found[s.Instance] = s
		case err := <-errc:
			if err != nil && ctx.Err() == nil {
				return nil, fmt.Errorf("mdns browse: %w", err)
			}
			// The resolver may return before ctx ends; keep draining until then.
			errc = nil
		case <-ctx.Done():
			return sortServers(found), nil
		}
	}
}

func serverFromEntry(e *zeroconf.ServiceEntry) Server {
	s := Server{
		Instance: e.Instance,
		Host:     e.HostName,
		Port:     e.Port,
	}
	s.IPs = append(s.IPs, e.AddrIPv4...)
	s.IPs = append(s.IPs, e.AddrIPv6...)
	for _, kv := range e.Text {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "pin":
			s.PINRequired = v == "true"
		case "rooms":
			if v != "" {
				s.Rooms = strings.Split(v, ",")
			}
		}
	}
	return s
}

func sortServers(found map[string]Server) []Server {
	out := make([]Server, 0, len(found))
	for _, s := range found {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}
