package media

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// RTPTrackConfig describes one UDP listener feeding one local track,
// e.g. an ffmpeg/gstreamer RTP output pointed at the port.
type RTPTrackConfig struct {
	Addr     string // UDP listen address, e.g. "127.0.0.1:5004"
	Codec    webrtc.RTPCodecCapability
	TrackID  string
	StreamID string
}

// RTPSource ingests RTP over UDP into local static tracks so a
// headless publisher can broadcast externally produced media.
type RTPSource struct {
	log    zerolog.Logger
	tracks []webrtc.TrackLocal
	conns  []*net.UDPConn

	closeOnce sync.Once
	done      chan struct{}
}

var _ Source = (*RTPSource)(nil)

func NewRTPSource(log zerolog.Logger, configs ...RTPTrackConfig) (*RTPSource, error) {
	s := &RTPSource{
		log:  log.With().Str("component", "rtp-source").Logger(),
		done: make(chan struct{}),
	}
	for _, cfg := range configs {
		addr, err := net.ResolveUDPAddr("udp", cfg.Addr)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("resolve %s: %w", cfg.Addr, err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
		}
		track, err := webrtc.NewTrackLocalStaticRTP(cfg.Codec, cfg.TrackID, cfg.StreamID)
		if err != nil {
			conn.Close()
			s.Close()
			return nil, fmt.Errorf("new track %s: %w", cfg.TrackID, err)
		}
		s.conns = append(s.conns, conn)
		s.tracks = append(s.tracks, track)
		go s.readLoop(conn, track)
	}
	return s, nil
}

func (s *RTPSource) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *RTPSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		for _, conn := range s.conns {
			conn.Close()
		}
	})
	return nil
}

func (s *RTPSource) readLoop(conn *net.UDPConn, track *webrtc.TrackLocalStaticRTP) {
	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("read rtp")
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.log.Warn().Err(err).Msg("malformed rtp packet")
			continue
		}
		if err := track.WriteRTP(&pkt); err != nil {
			// No subscriber bound yet; keep reading.
			if errors.Is(err, io.ErrClosedPipe) {
				continue
			}
			s.log.Warn().Err(err).Msg("write rtp")
		}
	}
}
