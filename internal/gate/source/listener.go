package source

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"
)

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Stats       StatsInterface
	Sink        FrameSink
	UDPPort     int // also used for PCAP filtering
}

// UDPListener receives frame datagrams and hands decoded frames to the
// configured sink.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	conn        *net.UDPConn
	stats       StatsInterface
	sink        FrameSink
	udpPort     int
}

// NewUDPListener creates a listener with the provided configuration.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	stats := config.Stats
	if stats == nil {
		stats = &noopStats{}
	}
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	return &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: logInterval,
		stats:       stats,
		sink:        config.Sink,
		udpPort:     config.UDPPort,
	}
}

// Start begins listening for frame datagrams and decoding them.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	l.conn = conn
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			log.Printf("Warning: failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}
	log.Printf("frame listener started on %s", l.address)

	go l.startStatsLogging(ctx)

	buffer := make([]byte, MaxFrameBytes)
	for {
		select {
		case <-ctx.Done():
			log.Print("frame listener stopping due to context cancellation")
			return ctx.Err()
		default:
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			n, from, err := conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("UDP read error: %v", err)
				continue
			}
			l.handleDatagram(buffer[:n], from)
		}
	}
}

func (l *UDPListener) handleDatagram(data []byte, from *net.UDPAddr) {
	frame, err := ParseFrame(data)
	if err != nil {
		l.stats.AddInvalid()
		log.Printf("bad frame from %v: %v", from, err)
		return
	}
	l.stats.AddFrame(len(data), len(frame.Detections))
	if l.sink != nil {
		l.sink.Offer(frame)
	}
}

func (l *UDPListener) startStatsLogging(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
		l.stats.LogStats()
	}
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}

// Close closes the UDP listener and releases resources.
func (l *UDPListener) Close() error {
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}
