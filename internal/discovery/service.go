package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/skypro1111/lan-audio-service/internal/encryption"
	"github.com/skypro1111/lan-audio-service/internal/metrics"
	"github.com/skypro1111/lan-audio-service/internal/protocol"
	"github.com/skypro1111/lan-audio-service/internal/transport"
	"github.com/skypro1111/lan-audio-service/internal/worker"
)

const (
	DefaultControlPort       = 47800
	DefaultBroadcastInterval = 3 * time.Second
	DefaultPurgeInterval     = 3 * time.Second
	DefaultStaleAfter        = 6 * time.Second

	// pushDialTimeout bounds each control connection opened to push fresh details
	pushDialTimeout = time.Second

	startAbortTimeout = time.Second
)

// DefaultMulticastGroup is the group discovery requests are broadcast to
var DefaultMulticastGroup = netip.MustParseAddrPort("239.255.77.77:47801")

// Options configures a discovery Service
type Options struct {
	ControlAddress    netip.AddrPort // UDP and TCP bind address; port 0 picks a free port
	MulticastGroup    netip.AddrPort // the zero value disables multicast
	Interface         string
	MulticastTTL      int
	MulticastLoopback bool
	BroadcastInterval time.Duration
	PurgeInterval     time.Duration
	StaleAfter        time.Duration
	DisableTCP        bool
	StateFile         string // empty disables manual server persistence
	MDNS              bool
	InstanceName      string
	Now               func() time.Time
}

func (o *Options) applyDefaults() {
	if o.BroadcastInterval <= 0 {
		o.BroadcastInterval = DefaultBroadcastInterval
	}
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = DefaultPurgeInterval
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.MulticastTTL <= 0 {
		o.MulticastTTL = 1
	}
	if !o.ControlAddress.Addr().IsValid() {
		o.ControlAddress = netip.AddrPortFrom(netip.IPv4Unspecified(), o.ControlAddress.Port())
	}
	if o.InstanceName == "" {
		o.InstanceName = "lanaudio"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Service runs discovery: the UDP control socket, the multicast broadcaster, the
// purge loop and the control TCP server
type Service struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	index   *Index
	store   *Store

	// send delivers a unicast control packet; replaced in tests
	send func(addr netip.AddrPort, p protocol.Packet) error

	udp         *transport.UDPServer
	multicast   *transport.Multicast
	tcp         *transport.TCPServer
	mdns        *MDNS
	broadcaster *worker.Worker
	purger      *worker.Worker

	mu      sync.Mutex
	started bool
	port    uint16
	audio   *protocol.AudioServerDetails
	verify  encryption.Verification
	removes []func()
	pushes  sync.WaitGroup
}

// NewService creates a stopped discovery service
func NewService(opts Options, logger *slog.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()

	s := &Service{
		opts:    opts,
		logger:  logger.With(slog.String("component", "discovery")),
		metrics: m,
		index:   NewIndex(),
		port:    opts.ControlAddress.Port(),
	}
	if opts.StateFile != "" {
		s.store = NewStore(opts.StateFile)
	}
	s.send = s.sendUDP

	s.broadcaster = worker.New("discovery-broadcast", s.broadcast, worker.Options{
		Delay:   opts.BroadcastInterval,
		Policy:  worker.RetryOnError,
		Logger:  logger,
		OnError: m.WorkerErrorHook("discovery-broadcast"),
	})
	s.purger = worker.New("discovery-purge", s.purge, worker.Options{
		Delay:   opts.PurgeInterval,
		Policy:  worker.RetryOnError,
		Logger:  logger,
		OnError: m.WorkerErrorHook("discovery-purge"),
	})
	return s
}

// Start binds the control sockets and starts every loop. Multicast and mDNS
// failures are logged; discovery then works through manual servers only.
func (s *Service) Start() error {
	s.mu.Lock()
	err := s.startLocked()
	var removes []func()
	if err != nil {
		removes = s.removes
		s.removes = nil
	}
	s.mu.Unlock()
	if err != nil {
		// Workers may take s.mu, so the half-started sockets are torn down unlocked
		s.abortStart(removes)
		return err
	}

	for _, addr := range s.index.ManualAddresses() {
		s.requestDetails(addr)
	}
	return nil
}

func (s *Service) startLocked() error {
	if s.started {
		return errors.New("discovery service already started")
	}
	s.tcp, s.multicast = nil, nil

	udp, err := transport.ListenUDP(s.opts.ControlAddress, s.logger, s.metrics)
	if err != nil {
		return err
	}
	s.udp = udp
	s.port = udp.LocalAddr().Port()
	s.removes = append(s.removes, udp.OnPacket(s.handlePacket))
	if err := udp.Start(); err != nil {
		return err
	}

	if !s.opts.DisableTCP {
		s.tcp = transport.NewTCPServer(transport.TCPOptions{}, s.logger, s.metrics)
		s.removes = append(s.removes, s.tcp.OnPacket(s.handlePacket))
		if err := s.tcp.Listen(netip.AddrPortFrom(s.opts.ControlAddress.Addr(), s.port)); err != nil {
			return err
		}
	}

	if s.opts.MulticastGroup.IsValid() {
		mc, err := transport.JoinMulticast(s.opts.MulticastGroup, transport.MulticastOptions{
			Interface: s.opts.Interface,
			TTL:       s.opts.MulticastTTL,
			Loopback:  s.opts.MulticastLoopback,
		}, s.logger, s.metrics)
		if err != nil {
			s.logger.Warn("Multicast unavailable, only manual servers will be discovered",
				slog.String("error", err.Error()),
			)
		} else {
			s.multicast = mc
			s.removes = append(s.removes, mc.OnPacket(s.handlePacket))
			if err := mc.Start(); err != nil {
				return err
			}
			if err := s.broadcaster.Start(); err != nil {
				return err
			}
		}
	}

	if s.store != nil {
		addrs, err := s.store.Load()
		if err != nil {
			s.logger.Warn("Failed to load manual servers",
				slog.String("path", s.store.Path()),
				slog.String("error", err.Error()),
			)
		}
		for _, addr := range addrs {
			s.index.AddManual(addr)
		}
		if len(addrs) > 0 {
			s.logger.Info("Loaded manual servers", slog.Int("count", len(addrs)))
		}
	}
	s.recordCounts()

	if err := s.purger.Start(); err != nil {
		return err
	}

	if s.opts.MDNS {
		m, err := StartMDNS(s.opts.InstanceName, int(s.port), s.requestFound, s.logger)
		if err != nil {
			s.logger.Warn("mDNS unavailable", slog.String("error", err.Error()))
		} else {
			s.mdns = m
		}
	}

	s.started = true
	s.logger.Info("Discovery started",
		slog.Int("control_port", int(s.port)),
		slog.Bool("multicast", s.multicast != nil),
		slog.Bool("tcp", s.tcp != nil),
		slog.Duration("broadcast_interval", s.opts.BroadcastInterval),
		slog.Duration("stale_after", s.opts.StaleAfter),
	)
	return nil
}

// abortStart undoes a failed start: listeners are removed, every loop that did
// start is stopped and the sockets are closed
func (s *Service) abortStart(removes []func()) {
	for _, remove := range removes {
		remove()
	}
	s.broadcaster.Stop(startAbortTimeout)
	s.purger.Stop(startAbortTimeout)

	s.mu.Lock()
	udp, tcp, mc := s.udp, s.tcp, s.multicast
	s.udp, s.tcp, s.multicast = nil, nil, nil
	s.port = s.opts.ControlAddress.Port()
	s.mu.Unlock()

	if mc != nil {
		mc.Stop(startAbortTimeout)
	}
	if tcp != nil {
		tcp.Close(startAbortTimeout)
	}
	if udp != nil {
		udp.Stop(startAbortTimeout)
	}
}

// Stop stops every loop and closes the control sockets
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	removes := s.removes
	s.removes = nil
	s.mu.Unlock()

	for _, remove := range removes {
		remove()
	}

	var errs []error
	if s.mdns != nil {
		s.mdns.Stop()
		s.mdns = nil
	}
	if err := s.broadcaster.Stop(timeout); err != nil {
		errs = append(errs, err)
	}
	if err := s.purger.Stop(timeout); err != nil {
		errs = append(errs, err)
	}
	s.pushes.Wait()
	if s.multicast != nil {
		if err := s.multicast.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	if s.tcp != nil {
		if err := s.tcp.Close(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.udp.Stop(timeout); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("Discovery stopped")
	return errors.Join(errs...)
}

// Index returns the server index
func (s *Service) Index() *Index {
	return s.index
}

// ControlAddress returns the bound control address
func (s *Service) ControlAddress() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return netip.AddrPortFrom(s.opts.ControlAddress.Addr(), s.port)
}

// Details returns the details this node advertises
func (s *Service) Details() protocol.ServerDetails {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detailsLocked()
}

func (s *Service) detailsLocked() protocol.ServerDetails {
	d := protocol.ServerDetails{
		ControlAddress: netip.AddrPortFrom(s.opts.ControlAddress.Addr(), s.port),
		Encryption:     s.verify,
	}
	if s.audio != nil {
		audio := *s.audio
		d.Audio = &audio
	}
	return d
}

// PublishDetails replaces the advertised audio details and encryption verification.
// When running, the fresh details are pushed to every known server over control TCP.
func (s *Service) PublishDetails(audio *protocol.AudioServerDetails, verification encryption.Verification) {
	s.mu.Lock()
	if audio != nil {
		a := *audio
		s.audio = &a
	} else {
		s.audio = nil
	}
	s.verify = verification
	started := s.started && s.tcp != nil
	resp := &protocol.DiscoveryResponse{Details: s.detailsLocked()}
	if started {
		s.pushes.Add(1)
	}
	s.mu.Unlock()

	if !started {
		return
	}
	go func() {
		defer s.pushes.Done()
		s.pushDetails(resp)
	}()
}

func (s *Service) pushDetails(resp *protocol.DiscoveryResponse) {
	for _, r := range s.index.All() {
		ctx, cancel := context.WithTimeout(context.Background(), pushDialTimeout)
		_, err := s.tcp.GetOrOpenConnection(ctx, r.Address)
		cancel()
		if err != nil {
			s.logger.Debug("Failed to open control connection",
				slog.String("server", r.Address.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := s.tcp.SendToAll(resp); err != nil {
		s.logger.Warn("Failed to push details to some servers", slog.String("error", err.Error()))
		return
	}
	s.logger.Debug("Pushed details", slog.Bool("audio", resp.Details.HasAudio()))
}

// AddManualServer adds or promotes a manual server, saves the manual list and
// requests the server's details
func (s *Service) AddManualServer(addr netip.AddrPort) RemoteServer {
	server := s.index.AddManual(addr)
	s.recordCounts()
	s.saveManual()
	s.logger.Info("Manual server added", slog.String("server", addr.String()))

	s.requestDetails(addr)
	return server
}

// RemoveManualServer removes a manual server and saves the manual list
func (s *Service) RemoveManualServer(addr netip.AddrPort) bool {
	if !s.index.RemoveManual(addr) {
		return false
	}
	s.recordCounts()
	s.saveManual()
	s.logger.Info("Manual server removed", slog.String("server", addr.String()))
	return true
}

// RequestDetails sends a unicast DiscoveryRequest to addr
func (s *Service) RequestDetails(addr netip.AddrPort) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()

	if err := s.send(addr, &protocol.DiscoveryRequest{ReplyPort: int32(port)}); err != nil {
		return err
	}
	s.metrics.RecordDiscoveryRequest()
	return nil
}

// Statistics describes the discovery service
type Statistics struct {
	ControlAddress     string                   `json:"control_address"`
	MulticastGroup     string                   `json:"multicast_group,omitempty"`
	AutoServers        int                      `json:"auto_servers"`
	ManualServers      int                      `json:"manual_servers"`
	ControlConnections int                      `json:"control_connections"`
	UDP                transport.UDPStatistics  `json:"udp"`
	Multicast          *transport.UDPStatistics `json:"multicast,omitempty"`
}

// GetStatistics returns index counts and socket counters
func (s *Service) GetStatistics() Statistics {
	auto, manual := s.index.Counts()
	stats := Statistics{
		ControlAddress: s.ControlAddress().String(),
		AutoServers:    auto,
		ManualServers:  manual,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udp != nil {
		stats.UDP = s.udp.GetStatistics()
	}
	if s.multicast != nil {
		mc := s.multicast.GetStatistics()
		stats.Multicast = &mc
		stats.MulticastGroup = s.multicast.Group().String()
	}
	if s.tcp != nil {
		stats.ControlConnections = len(s.tcp.Connections())
	}
	return stats
}

// Workers returns the workers backing the service for state reporting
func (s *Service) Workers() []*worker.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	workers := []*worker.Worker{s.broadcaster, s.purger}
	if s.udp != nil {
		workers = append(workers, s.udp.Worker())
	}
	if s.multicast != nil {
		workers = append(workers, s.multicast.Worker())
	}
	if s.tcp != nil && s.tcp.Acceptor() != nil {
		workers = append(workers, s.tcp.Acceptor())
	}
	return workers
}

func (s *Service) requestDetails(addr netip.AddrPort) {
	if err := s.RequestDetails(addr); err != nil {
		s.logger.Debug("Failed to request details",
			slog.String("server", addr.String()),
			slog.String("error", err.Error()),
		)
	}
}

// requestFound asks a server found through mDNS for its details, skipping ourselves
func (s *Service) requestFound(addr netip.AddrPort) {
	if SameServer(addr, s.ControlAddress()) {
		return
	}
	if r, ok := s.index.Find(addr); ok && !r.Stale(s.opts.Now(), s.opts.StaleAfter) {
		return
	}
	s.requestDetails(addr)
}

func (s *Service) sendUDP(addr netip.AddrPort, p protocol.Packet) error {
	if s.udp == nil {
		return errors.New("discovery service not started")
	}
	return s.udp.Send(addr, p)
}

// broadcast sends one discovery request to the multicast group
func (s *Service) broadcast(ctx context.Context, w *worker.Worker) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()

	if err := s.multicast.Broadcast(&protocol.DiscoveryRequest{ReplyPort: int32(port)}); err != nil {
		return fmt.Errorf("discovery broadcast failed: %w", err)
	}
	s.metrics.RecordDiscoveryRequest()
	return nil
}

// purge runs one purge pass
func (s *Service) purge(ctx context.Context, w *worker.Worker) error {
	s.purgeOnce()
	return nil
}

func (s *Service) purgeOnce() {
	purged, retry := s.index.Purge(s.opts.Now(), s.opts.StaleAfter)
	for _, r := range purged {
		s.logger.Info("Server expired",
			slog.String("server", r.Address.String()),
			slog.Time("last_update", r.LastUpdate),
		)
	}
	if len(purged) > 0 {
		s.metrics.RecordServersPurged(len(purged))
		s.recordCounts()
	}

	for _, r := range retry {
		s.requestDetails(r.Address)
	}
}

// handlePacket is the single handler for control packets from every transport
func (s *Service) handlePacket(ev transport.PacketEvent) {
	switch p := ev.Packet.(type) {
	case *protocol.DiscoveryRequest:
		s.handleRequest(ev, p)
	case *protocol.DiscoveryResponse:
		s.handleResponse(ev, p)
	}
}

func (s *Service) handleRequest(ev transport.PacketEvent, req *protocol.DiscoveryRequest) {
	if req.ReplyPort <= 0 || req.ReplyPort > 0xffff {
		s.logger.Debug("Ignoring request with invalid reply port",
			slog.String("remote_addr", ev.Source.String()),
			slog.Int("reply_port", int(req.ReplyPort)),
		)
		return
	}

	replyTo := netip.AddrPortFrom(ev.Source.Addr(), uint16(req.ReplyPort))
	if ev.Conn == nil && SameServer(replyTo, s.ControlAddress()) {
		return // our own broadcast looped back
	}

	resp := &protocol.DiscoveryResponse{Details: s.Details()}

	var err error
	if ev.Conn != nil {
		err = ev.Conn.Send(resp)
	} else {
		err = s.send(replyTo, resp)
	}
	if err != nil {
		s.logger.Debug("Failed to answer discovery request",
			slog.String("remote_addr", replyTo.String()),
			slog.String("transport", ev.Transport),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) handleResponse(ev transport.PacketEvent, resp *protocol.DiscoveryResponse) {
	details := resp.Details.WithSource(ev.Source.Addr())
	if SameServer(details.ControlAddress, s.ControlAddress()) {
		return
	}

	s.metrics.RecordDiscoveryResponse()
	server, added := s.index.Update(details.ControlAddress, details, s.opts.Now())
	if added {
		s.recordCounts()
		s.logger.Info("Server discovered",
			slog.String("server", server.Address.String()),
			slog.Bool("audio", server.HasAudio()),
			slog.Bool("encryption", details.Encryption.Required),
			slog.String("transport", ev.Transport),
		)
	}
}

func (s *Service) recordCounts() {
	auto, manual := s.index.Counts()
	s.metrics.SetKnownServers(auto, manual)
}

func (s *Service) saveManual() {
	if s.store == nil {
		return
	}
	if err := s.store.Save(s.index.ManualAddresses()); err != nil {
		s.logger.Warn("Failed to save manual servers",
			slog.String("path", s.store.Path()),
			slog.String("error", err.Error()),
		)
	}
}
