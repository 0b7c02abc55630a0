package gps

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"go.bug.st/serial"

	"anchorwatch/internal/config"
	"anchorwatch/pkg/logger"
)

// Opener opens the byte stream a receiver writes NMEA-0183 sentences to
type Opener func() (io.ReadCloser, error)

// SerialOpener opens a serial port at the given baud rate
func SerialOpener(device string, baud int) Opener {
	return func() (io.ReadCloser, error) {
		port, err := serial.Open(device, &serial.Mode{BaudRate: baud})
		if err != nil {
			var perr *serial.PortError
			if (errors.As(err, &perr) && perr.Code() == serial.PermissionDenied) || os.IsPermission(err) {
				return nil, fmt.Errorf("%w: %s: %v", ErrPermissionDenied, device, err)
			}
			return nil, fmt.Errorf("open %s: %w", device, err)
		}
		return port, nil
	}
}

// TCPOpener connects to an NMEA multiplexer that serves sentences over TCP
func TCPOpener(addr string) Opener {
	return func() (io.ReadCloser, error) {
		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", addr, err)
		}
		return conn, nil
	}
}

type nmeaSubscriber struct {
	fixes chan Fix
	errs  chan error
}

// NMEASource reads GGA and RMC sentences from a receiver and fans the fixes
// out to every subscriber. Run owns the connection and reconnects after
// read failures.
type NMEASource struct {
	open           Opener
	describe       string
	uere           float64
	maxErrors      int
	reconnectDelay time.Duration

	mu                sync.Mutex
	subscribers       map[string]*nmeaSubscriber
	closed            bool
	connected         bool
	consecutiveErrors int
	lastOpenErr       error
	ggaSeen           bool
	hdop              float64
	noFix             bool
}

// NewNMEASource builds a source from the gps config section
func NewNMEASource(cfg config.GPSConfig) (*NMEASource, error) {
	switch cfg.Transport {
	case "serial":
		return newNMEASource(SerialOpener(cfg.Device, cfg.BaudRate), cfg.Device, cfg), nil
	case "tcp":
		return newNMEASource(TCPOpener(cfg.Address), cfg.Address, cfg), nil
	}
	return nil, fmt.Errorf("unsupported gps transport %q", cfg.Transport)
}

func newNMEASource(open Opener, describe string, cfg config.GPSConfig) *NMEASource {
	uere := cfg.UERE
	if uere <= 0 {
		uere = 5
	}
	return &NMEASource{
		open:           open,
		describe:       describe,
		uere:           uere,
		maxErrors:      cfg.MaxConsecutiveErrors,
		reconnectDelay: cfg.ReconnectDelay.Duration,
		subscribers:    make(map[string]*nmeaSubscriber),
	}
}

func randomID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Run connects to the receiver and reads sentences until ctx is done. All
// subscriptions are closed when it returns.
func (n *NMEASource) Run(ctx context.Context) error {
	defer n.closeSubscribers()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := n.open()
		if err != nil {
			n.handleConnectionError(err)
			if !sleepCtx(ctx, n.reconnectDelay) {
				return ctx.Err()
			}
			continue
		}

		n.setConnected(true)
		logger.Infof("gps: connected to %s", n.describe)

		err = n.read(ctx, conn)
		n.setConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			err = io.EOF
		}
		n.handleConnectionError(err)
		if !sleepCtx(ctx, n.reconnectDelay) {
			return ctx.Err()
		}
	}
}

func (n *NMEASource) read(ctx context.Context, conn io.ReadCloser) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	scan := bufio.NewScanner(conn)
	for scan.Scan() {
		n.handleLine(scan.Text())
	}
	return scan.Err()
}

func (n *NMEASource) handleConnectionError(err error) {
	n.mu.Lock()
	n.consecutiveErrors++
	attempts := n.consecutiveErrors
	n.lastOpenErr = err
	n.mu.Unlock()

	if n.maxErrors > 0 && attempts > n.maxErrors {
		logger.Errorf("gps: %s still failing after %d attempts: %v", n.describe, attempts, err)
	} else {
		logger.Warnf("gps: %s: %v (attempt %d)", n.describe, err, attempts)
	}
	n.publishError(err)
}

func (n *NMEASource) setConnected(connected bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connected = connected
	if connected {
		if n.consecutiveErrors > 0 {
			logger.Infof("gps: receiver back after %d failed attempts", n.consecutiveErrors)
		}
		n.consecutiveErrors = 0
		n.lastOpenErr = nil
	}
}

// IsConnected reports whether the receiver stream is open
func (n *NMEASource) IsConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

func (n *NMEASource) handleLine(line string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return
	}
	sentence, err := nmea.Parse(line)
	if err != nil {
		if strings.Contains(err.Error(), "checksum") {
			logger.Debugf("gps: dropped sentence %q: %v", line, err)
		}
		return
	}

	switch m := sentence.(type) {
	case nmea.GGA:
		n.mu.Lock()
		n.ggaSeen = true
		if m.FixQuality == nmea.Invalid {
			n.noFix = true
			n.mu.Unlock()
			return
		}
		n.hdop = m.HDOP
		n.noFix = false
		n.mu.Unlock()
		n.publish(Fix{Latitude: m.Latitude, Longitude: m.Longitude, Accuracy: n.accuracy(m.HDOP)})
	case nmea.RMC:
		n.mu.Lock()
		if m.Validity != nmea.ValidRMC {
			n.noFix = true
			n.mu.Unlock()
			return
		}
		// GGA carries HDOP; RMC only feeds receivers that never send GGA
		skip := n.ggaSeen
		hdop := n.hdop
		n.noFix = false
		n.mu.Unlock()
		if !skip {
			n.publish(Fix{Latitude: m.Latitude, Longitude: m.Longitude, Accuracy: n.accuracy(hdop)})
		}
	}
}

// accuracy estimates horizontal error from HDOP
func (n *NMEASource) accuracy(hdop float64) float64 {
	if hdop <= 0 {
		return n.uere
	}
	return hdop * n.uere
}

func (n *NMEASource) publish(fix Fix) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, sub := range n.subscribers {
		select {
		case sub.fixes <- fix:
		default:
			logger.Debugf("gps: subscriber %s is behind, fix dropped", id)
		}
	}
}

func (n *NMEASource) publishError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, sub := range n.subscribers {
		select {
		case sub.errs <- err:
		default:
		}
	}
}

func (n *NMEASource) subscribe() (string, *nmeaSubscriber, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return "", nil, ErrSourceClosed
	}
	id := randomID()
	sub := &nmeaSubscriber{fixes: make(chan Fix, 16), errs: make(chan error, 4)}
	n.subscribers[id] = sub
	return id, sub, nil
}

func (n *NMEASource) unsubscribe(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if sub, ok := n.subscribers[id]; ok {
		close(sub.fixes)
		close(sub.errs)
		delete(n.subscribers, id)
	}
}

func (n *NMEASource) closeSubscribers() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for id, sub := range n.subscribers {
		close(sub.fixes)
		close(sub.errs)
		delete(n.subscribers, id)
	}
}

// CurrentFix waits for the next valid fix
func (n *NMEASource) CurrentFix(ctx context.Context) (Fix, error) {
	n.mu.Lock()
	lastErr := n.lastOpenErr
	n.mu.Unlock()
	if errors.Is(lastErr, ErrPermissionDenied) {
		return Fix{}, lastErr
	}

	id, sub, err := n.subscribe()
	if err != nil {
		return Fix{}, err
	}
	defer n.unsubscribe(id)

	for {
		select {
		case fix, ok := <-sub.fixes:
			if !ok {
				return Fix{}, ErrSourceClosed
			}
			return fix, nil
		case err, ok := <-sub.errs:
			if !ok {
				return Fix{}, ErrSourceClosed
			}
			if errors.Is(err, ErrPermissionDenied) {
				return Fix{}, err
			}
		case <-ctx.Done():
			n.mu.Lock()
			noFix := n.noFix
			n.mu.Unlock()
			if noFix {
				return Fix{}, ErrNoFix
			}
			return Fix{}, ctx.Err()
		}
	}
}

// Updates streams fixes until ctx is done
func (n *NMEASource) Updates(ctx context.Context) (<-chan Fix, <-chan error, error) {
	id, sub, err := n.subscribe()
	if err != nil {
		return nil, nil, err
	}
	go func() {
		<-ctx.Done()
		n.unsubscribe(id)
	}()
	return sub.fixes, sub.errs, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
