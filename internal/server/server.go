package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"anchorwatch/internal/alarm"
	"anchorwatch/internal/broadcast"
	"anchorwatch/internal/config"
	"anchorwatch/internal/discovery"
	"anchorwatch/internal/gps"
	"anchorwatch/internal/metrics"
	"anchorwatch/internal/models"
	"anchorwatch/internal/redis"
	"anchorwatch/internal/relay"
	"anchorwatch/internal/storage"
	"anchorwatch/internal/syncsvc"
	"anchorwatch/internal/watch"
	"anchorwatch/internal/websocket"
	"anchorwatch/pkg/logger"
)

// Version is reported by /info and the startup banner
const Version = "1.0.0"

// Server owns every component of a running instance
type Server struct {
	config     *config.Config
	httpServer *http.Server
	router     *http.ServeMux

	redisClient *redis.Client
	mirror      *redis.Mirror
	store       storage.Store
	relay       relay.Relay
	source      gps.Source
	nmea        *gps.NMEASource
	simulator   *gps.SimulatedSource

	watchService *watch.Service
	syncService  *syncsvc.Service
	broadcaster  *broadcast.Broadcaster
	notifier     *alarm.Notifier
	metrics      *metrics.Metrics
	wsHub        *websocket.Hub
	discovery    *discovery.Service

	ctx         context.Context
	cancel      context.CancelFunc
	gpsDone     chan struct{}
	unsubscribe []func()
	releaseOnce sync.Once
	serverInfo  ServerInfo
}

// ServerInfo describes the running instance
type ServerInfo struct {
	IP           string
	Port         int
	StartTime    time.Time
	Connections  int
	Version      string
	WebSocketURL string
	RelayURL     string
	APIURL       string
}

// NewServer builds every component from cfg. Nothing is listening and no
// saved state is restored until Start.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{
		config: cfg,
		router: http.NewServeMux(),
		serverInfo: ServerInfo{
			StartTime: time.Now(),
			Version:   Version,
			Port:      cfg.Server.Port,
		},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	ip, err := getLocalIP()
	if err != nil {
		logger.Warnf("Could not determine the local IP address: %v", err)
		ip = "localhost"
	}
	s.serverInfo.IP = ip
	s.serverInfo.WebSocketURL = fmt.Sprintf("ws://%s:%d/ws", ip, cfg.Server.Port)
	s.serverInfo.RelayURL = fmt.Sprintf("ws://%s:%d/relay", ip, cfg.Server.Port)
	s.serverInfo.APIURL = fmt.Sprintf("http://%s:%d/api", ip, cfg.Server.Port)

	if err := s.initComponents(ctx); err != nil {
		s.release()
		return nil, err
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

func (s *Server) usesRedis() bool {
	return s.config.Storage.Backend == "redis" || s.config.Relay.Backend == "redis"
}

// initComponents wires storage, relay, GPS and the services together
func (s *Server) initComponents(ctx context.Context) error {
	cfg := s.config

	if s.usesRedis() {
		s.redisClient = redis.NewClient(cfg.Redis)
		if err := s.redisClient.Connect(ctx); err != nil {
			return err
		}
		s.mirror = redis.NewMirror(s.redisClient, cfg.Watch.HistorySize)
	}

	store, err := storage.Open(cfg.Storage, s.redisClient)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	s.store = store
	logger.Infof("Storage backend: %s", cfg.Storage.Backend)

	if cfg.Sync.Enabled {
		r, err := relay.Open(ctx, cfg.Relay, s.redisClient, discovery.Browser(cfg.Discovery.Domain))
		if err != nil {
			return fmt.Errorf("open relay: %w", err)
		}
		s.relay = r
		logger.Infof("Relay backend: %s", cfg.Relay.Backend)
	}

	if err := s.initGPS(); err != nil {
		return err
	}

	s.metrics = metrics.New()
	s.wsHub = websocket.NewHub()
	go s.wsHub.Run()

	sampler := gps.NewSampler(s.source, nil)
	s.watchService = watch.NewService(sampler, watch.NewPersistence(s.store), watch.Options{
		FixTimeout:     cfg.Watch.FixTimeout.Duration,
		FlushInterval:  cfg.Watch.FlushInterval.Duration,
		HistorySize:    cfg.Watch.HistorySize,
		OnSamplerError: s.metrics.SamplerError,
	})
	s.watchService.Start(s.ctx)

	s.notifier = alarm.NewNotifier(alarm.Options{
		RepeatInterval: cfg.Alarm.RepeatInterval.Duration,
		Command:        cfg.Alarm.Command,
		OnReminder:     s.wsHub.BroadcastSnapshot,
	})

	s.subscribe(s.watchService.Subscribe(s.metrics.ObserveSnapshot))
	s.subscribe(s.watchService.Subscribe(s.wsHub.BroadcastSnapshot))
	s.subscribe(s.watchService.Subscribe(s.notifier.Handle))
	if s.mirror != nil {
		s.subscribe(s.watchService.Subscribe(s.mirror.Handler()))
	}

	if cfg.Discovery.Enabled {
		s.discovery = discovery.NewService(cfg.Discovery, cfg.Server.Port)
	}

	if cfg.Sync.Enabled {
		s.syncService = syncsvc.NewService(s.relay, s.store, syncsvc.Options{
			HeartbeatInterval: cfg.Sync.HeartbeatInterval.Duration,
			PeerTimeout:       cfg.Sync.PeerTimeout.Duration,
		})
		s.subscribe(s.syncService.OnStateChange(s.wsHub.BroadcastSyncState))
		s.subscribe(s.syncService.OnStateChange(s.metrics.ObserveSyncState))
		if s.discovery != nil {
			s.subscribe(s.syncService.OnStateChange(func(st models.SyncState) {
				s.discovery.SetRole(st.Role)
			}))
		}
		s.subscribe(s.syncService.OnBroadcast(s.wsHub.BroadcastPosition))
		s.subscribe(s.syncService.OnBroadcast(s.metrics.BroadcastReceived))

		s.broadcaster = broadcast.New(s.watchService, s.syncService, broadcast.Options{
			Interval: cfg.Sync.BroadcastInterval.Duration,
			OnSend:   s.metrics.BroadcastSent,
		})
	}

	s.wsHub.SetCommandHandler(s.handleCommand)
	s.wsHub.SetInitialData(s.initialData)

	return nil
}

// initGPS creates the configured position source
func (s *Server) initGPS() error {
	switch s.config.GPS.Source {
	case "nmea":
		source, err := gps.NewNMEASource(s.config.GPS)
		if err != nil {
			return err
		}
		s.nmea = source
		s.source = source
		s.gpsDone = make(chan struct{})
		go func() {
			defer close(s.gpsDone)
			if err := source.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("GPS reader stopped", err)
			}
		}()
	case "simulated":
		s.simulator = gps.NewSimulatedSource(s.config.GPS.Simulated)
		s.source = s.simulator
		logger.Warn("Using the simulated GPS source")
	default:
		return fmt.Errorf("unknown gps source %q", s.config.GPS.Source)
	}
	return nil
}

func (s *Server) subscribe(unsubscribe func()) {
	s.unsubscribe = append(s.unsubscribe, unsubscribe)
}

// initialData is sent to every new UI client
func (s *Server) initialData() []interface{} {
	messages := []interface{}{websocket.NewSnapshotMessage(s.watchService.Snapshot())}
	if s.syncService != nil {
		messages = append(messages, websocket.NewSyncStateMessage(s.syncService.State()))
		if b, ok := s.syncService.LastBroadcast(); ok {
			messages = append(messages, websocket.NewBroadcastMessage(b))
		}
	}
	return messages
}

// Restore resumes the watch and session saved before the last shutdown
func (s *Server) Restore(ctx context.Context) {
	if s.watchService.RestoreWatchState(ctx) {
		logger.Info("Resumed the saved anchor watch")
	}
	if s.syncService != nil {
		s.broadcaster.Start()
		if s.syncService.RestoreSession(ctx) {
			logger.Infof("Rejoined sync session %s", s.syncService.State().SessionCode)
		}
	}
}

// Start restores saved state, serves HTTP and starts advertising. It blocks
// until the HTTP server stops.
func (s *Server) Start() error {
	s.Restore(s.ctx)

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}

	if s.discovery != nil {
		if err := s.discovery.Start(); err != nil {
			// the relay stays reachable by address
			logger.Warnf("Discovery unavailable: %v", err)
		}
	}

	s.logServerInfo()

	logger.Infof("HTTP server listening on port %d", s.config.Server.Port)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops every component. An active watch and session stay
// persisted so the next start resumes them.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("Shutting down")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if s.discovery != nil {
		s.discovery.Stop()
	}
	if s.broadcaster != nil {
		s.broadcaster.Stop()
	}

	s.release()

	logger.Info("Shutdown complete")
	return errors.Join(errs...)
}

// release closes the components in reverse dependency order, once. It also
// cleans up after a partial NewServer.
func (s *Server) release() {
	s.releaseOnce.Do(s.closeComponents)
}

func (s *Server) closeComponents() {
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	s.unsubscribe = nil

	if s.watchService != nil {
		s.watchService.Close()
	}
	if s.notifier != nil {
		s.notifier.Close()
	}
	if s.syncService != nil {
		if err := s.syncService.Close(); err != nil {
			logger.Error("Closing sync service", err)
		}
	}
	if s.relay != nil {
		if err := s.relay.Close(); err != nil {
			logger.Error("Closing relay", err)
		}
	}

	s.cancel()
	if s.gpsDone != nil {
		<-s.gpsDone
	}

	if s.wsHub != nil {
		s.wsHub.Shutdown()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			logger.Error("Closing storage", err)
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			logger.Error("Closing redis client", err)
		}
	}
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// GetServerInfo returns the server description with the live client count
func (s *Server) GetServerInfo() ServerInfo {
	info := s.serverInfo
	info.Connections = s.wsHub.ClientCount()
	return info
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

	return "", errors.New("no non-loopback IPv4 address")
}

func (s *Server) logServerInfo() {
	logger.Info("===============================================")
	logger.Info("                 anchorwatch                   ")
	logger.Info("===============================================")
	logger.Infof("Version: %s", s.serverInfo.Version)
	logger.Infof("IP address: %s", s.serverInfo.IP)
	logger.Infof("HTTP port: %d", s.serverInfo.Port)
	logger.Infof("UI stream: %s", s.serverInfo.WebSocketURL)
	logger.Infof("Relay hub: %s", s.serverInfo.RelayURL)
	logger.Infof("API: %s", s.serverInfo.APIURL)
	if s.discovery != nil {
		logger.Infof("mDNS: %s.%s", s.discovery.GetInstanceName(), discovery.ServiceType)
	}
	logger.Info("===============================================")
}
