package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/rs/zerolog"

	"github.com/me-asri/rtptun/internal/envelope"
	"github.com/me-asri/rtptun/internal/flow"
	"github.com/me-asri/rtptun/internal/metrics"
	"github.com/me-asri/rtptun/internal/rtpcodec"
	"github.com/me-asri/rtptun/internal/udpsock"
)

// ClientConfig configures a ClientEngine.
type ClientConfig struct {
	// LocalAddr is bound to accept plain UDP from local applications,
	// e.g. "127.0.0.1:5000".
	LocalAddr string
	// ServerAddr is the remote tunnel server's address.
	ServerAddr string
	// PayloadType is stamped on every outgoing RTP header.
	PayloadType byte
	// Mode is the crypto envelope; envelope.NoneMode{} if no key is
	// configured.
	Mode envelope.Mode
	// Timeout is the idle interval for the reaper.
	Timeout time.Duration
	// Metrics is optional; nil disables counter updates.
	Metrics *metrics.Collectors
	// Logger is optional; the zero value logs nothing.
	Logger zerolog.Logger
}

// ClientEngine is the client half of the tunnel: it accepts plain UDP
// from local peers, wraps it as RTP toward the server, and unwraps RTP
// arriving from the server back to the originating local peer.
type ClientEngine struct {
	cfg ClientConfig

	local  *udpsock.Socket
	remote *udpsock.Socket

	table *flow.ClientTable
	seq   atomic.Uint32 // process-wide 16-bit sequence counter (low bits used)

	wg sync.WaitGroup
}

// NewClientEngine binds the local and remote sockets and constructs the
// engine. It does not start processing until Run is called.
func NewClientEngine(cfg ClientConfig) (*ClientEngine, error) {
	if cfg.PayloadType == 0 {
		cfg.PayloadType = DefaultPayloadType
	}
	if cfg.Mode == nil {
		cfg.Mode = envelope.NoneMode{}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = flow.DefaultTimeout
	}

	local, err := udpsock.Bind(cfg.LocalAddr)
	if err != nil {
		return nil, err
	}
	remote, err := udpsock.Connect(cfg.ServerAddr)
	if err != nil {
		local.Close()
		return nil, err
	}

	e := &ClientEngine{
		cfg:    cfg,
		local:  local,
		remote: remote,
		table:  flow.NewClientTable(),
	}
	var startSeq [2]byte
	if _, err := rand.Read(startSeq[:]); err != nil {
		local.Close()
		remote.Close()
		return nil, err
	}
	e.seq.Store(uint32(binary.BigEndian.Uint16(startSeq[:])))

	return e, nil
}

// Run processes local-ingress, remote-ingress, and the reaper until ctx
// is canceled or one of the engine's own sockets closes. It blocks
// until every task has exited and both sockets are closed.
func (e *ClientEngine) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reaper := flow.NewReaper(e.cfg.Timeout, e.reap)

	e.wg.Add(3)
	go func() { defer e.wg.Done(); e.localIngress(ctx) }()
	go func() { defer e.wg.Done(); e.remoteIngress(ctx) }()
	go func() { defer e.wg.Done(); reaper.Run(ctx) }()

	<-ctx.Done()
	e.local.Close()
	e.remote.Close()
	e.wg.Wait()
}

func (e *ClientEngine) reap() {
	removed := e.table.Reap()
	for _, peer := range removed {
		e.cfg.Logger.Debug().Stringer("peer", peer).Msg("client flow reaped")
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.FlowsReaped.Add(float64(len(removed)))
		e.cfg.Metrics.ActiveFlows.Set(float64(e.table.Len()))
	}
}

// localIngress implements spec.md §4.3's local-ingress operation.
func (e *ClientEngine) localIngress(ctx context.Context) {
	buf := make([]byte, MaxPacketSize)
	txBuf := make([]byte, 0, MaxPacketSize)

	for {
		n, from, err := e.local.ReadFrom(buf)
		if err != nil {
			if isClosed(err) {
				return
			}
			e.cfg.Logger.Debug().Err(err).Msg("local socket transient read error")
			continue
		}

		peer := flow.AddrFromUDP(from)
		f, created, err := e.table.ResolveOrCreate(peer)
		if err != nil {
			e.cfg.Logger.Warn().Err(err).Msg("failed to allocate flow")
			continue
		}
		if created && e.cfg.Metrics != nil {
			e.cfg.Metrics.ActiveFlows.Set(float64(e.table.Len()))
		}

		txBuf = txBuf[:0]
		txBuf = append(txBuf, make([]byte, rtpcodec.HeaderSize)...)
		if err := rtpcodec.InitForSend(txBuf, e.cfg.PayloadType); err != nil {
			e.cfg.Logger.Warn().Err(err).Msg("failed to init RTP header")
			continue
		}

		seq := uint16(e.seq.Add(1) - 1)
		ts := f.NextTimestamp(TimestampStep)
		if err := rtpcodec.WriteFlowFields(txBuf, seq, ts, f.SSRC); err != nil {
			e.cfg.Logger.Warn().Err(err).Msg("failed to write RTP flow fields")
			continue
		}

		txBuf, err = e.cfg.Mode.Seal(txBuf, buf[:n])
		if err != nil {
			e.cfg.Logger.Warn().Err(err).Msg("failed to seal payload")
			continue
		}

		if err := e.remote.Write(ctx, txBuf); err != nil {
			if isClosed(err) {
				return
			}
			e.cfg.Logger.Debug().Err(err).Msg("transient error sending to server")
			continue
		}
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.PacketsForwarded.Inc()
		}
	}
}

// remoteIngress implements spec.md §4.3's remote-ingress operation.
func (e *ClientEngine) remoteIngress(ctx context.Context) {
	buf := make([]byte, MaxPacketSize)
	plainBuf := make([]byte, 0, MaxPacketSize)

	for {
		n, _, err := e.remote.ReadFrom(buf)
		if err != nil {
			if isClosed(err) {
				return
			}
			e.cfg.Logger.Debug().Err(err).Msg("remote socket transient read error")
			continue
		}

		if n < rtpcodec.HeaderSize {
			e.dropMalformed("packet shorter than RTP header")
			continue
		}

		hdr, err := rtpcodec.ReadFlowFields(buf[:n])
		if err != nil {
			e.dropMalformed(err.Error())
			continue
		}

		plainBuf = plainBuf[:0]
		plainBuf, err = e.cfg.Mode.Open(plainBuf, buf[rtpcodec.HeaderSize:n])
		if err != nil {
			e.cfg.Logger.Warn().Err(err).Msg("decryption failed, dropping packet")
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.AuthFailures.Inc()
			}
			continue
		}

		f, ok := e.table.LookupBySSRC(hdr.SSRC)
		if !ok {
			e.cfg.Logger.Warn().Uint32("ssrc", hdr.SSRC).Msg("unknown SSRC on return path, dropping")
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.PacketsDropped.WithLabelValues("unknown_ssrc").Inc()
			}
			continue
		}

		if err := e.local.WriteTo(ctx, plainBuf, f.Peer.UDPAddr()); err != nil {
			if isClosed(err) {
				return
			}
			e.cfg.Logger.Debug().Err(err).Msg("transient error delivering to local peer")
			continue
		}
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.PacketsForwarded.Inc()
		}
	}
}

func (e *ClientEngine) dropMalformed(reason string) {
	e.cfg.Logger.Warn().Str("reason", reason).Msg("dropping malformed packet")
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.PacketsDropped.WithLabelValues("malformed").Inc()
	}
}

func isClosed(err error) bool {
	return errors.Is(err, udpsock.ErrClosed)
}
