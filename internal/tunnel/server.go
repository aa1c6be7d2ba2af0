package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/me-asri/rtptun/internal/envelope"
	"github.com/me-asri/rtptun/internal/flow"
	"github.com/me-asri/rtptun/internal/metrics"
	"github.com/me-asri/rtptun/internal/rtpcodec"
	"github.com/me-asri/rtptun/internal/udpsock"
)

// ServerConfig configures a ServerEngine.
type ServerConfig struct {
	// ListenAddr is the public tunnel socket, e.g. "0.0.0.0:6000".
	ListenAddr string
	// DestAddr is where decrypted payloads are forwarded, e.g.
	// "127.0.0.1:7000".
	DestAddr string
	// PayloadType is stamped on every outgoing RTP header.
	PayloadType byte
	// Mode is the crypto envelope; envelope.NoneMode{} if no key is
	// configured. Must match the client's mode.
	Mode envelope.Mode
	// Timeout is the idle interval for the reaper.
	Timeout time.Duration
	// Metrics is optional; nil disables counter updates.
	Metrics *metrics.Collectors
	// Logger is optional; the zero value logs nothing.
	Logger zerolog.Logger
}

// ServerEngine is the server half of the tunnel: it demultiplexes
// inbound RTP-shaped packets by (source peer, SSRC), lazily opens an
// upstream socket per sub-flow toward DestAddr, and re-wraps upstream
// responses back into RTP for the originating peer.
type ServerEngine struct {
	cfg ServerConfig

	source *udpsock.Socket
	table  *flow.ServerTable

	wg sync.WaitGroup
}

// NewServerEngine binds the source socket and constructs the engine.
// Upstream sockets toward DestAddr are opened lazily, one per sub-flow.
func NewServerEngine(cfg ServerConfig) (*ServerEngine, error) {
	if cfg.PayloadType == 0 {
		cfg.PayloadType = DefaultPayloadType
	}
	if cfg.Mode == nil {
		cfg.Mode = envelope.NoneMode{}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = flow.DefaultTimeout
	}

	source, err := udpsock.Bind(cfg.ListenAddr)
	if err != nil {
		return nil, err
	}

	return &ServerEngine{
		cfg:    cfg,
		source: source,
		table:  flow.NewServerTable(),
	}, nil
}

// Run processes source-ingress and the reaper until ctx is canceled or
// the source socket closes. It blocks until every task, including every
// live sub-flow's upstream-ingress goroutine, has exited.
func (e *ServerEngine) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reaper := flow.NewReaper(e.cfg.Timeout, e.reap)

	e.wg.Add(2)
	go func() { defer e.wg.Done(); e.sourceIngress(ctx) }()
	go func() { defer e.wg.Done(); reaper.Run(ctx) }()

	<-ctx.Done()
	e.source.Close()
	e.wg.Wait()
}

// reap closes idle sub-flows. Their upstreamIngress goroutines observe
// the closed upstream socket via ReadFrom returning udpsock.ErrClosed
// and exit on their own; Run's final Wait joins them.
func (e *ServerEngine) reap() {
	closed := e.table.Reap()
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.FlowsReaped.Add(float64(len(closed)))
		e.cfg.Metrics.ActiveFlows.Set(float64(e.table.Len()))
	}
	if len(closed) > 0 {
		e.cfg.Logger.Debug().Int("count", len(closed)).Msg("server sub-flows reaped")
	}
}

// sourceIngress implements spec.md §4.4's source-ingress operation.
func (e *ServerEngine) sourceIngress(ctx context.Context) {
	buf := make([]byte, MaxPacketSize)
	plainBuf := make([]byte, 0, MaxPacketSize)

	for {
		n, from, err := e.source.ReadFrom(buf)
		if err != nil {
			if isClosed(err) {
				return
			}
			e.cfg.Logger.Debug().Err(err).Msg("source socket transient read error")
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

		peer := flow.AddrFromUDP(from)
		startSeq, startTS, err := randomSeqAndTimestamp()
		if err != nil {
			e.cfg.Logger.Warn().Err(err).Msg("failed to seed sub-flow counters")
			continue
		}

		sf, created, err := e.table.ResolveOrCreate(peer, hdr.SSRC, startSeq, startTS, func() (*udpsock.Socket, error) {
			return udpsock.Connect(e.cfg.DestAddr)
		})
		if err != nil {
			e.cfg.Logger.Warn().Err(err).Msg("failed to open upstream socket")
			continue
		}
		if created {
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.ActiveFlows.Set(float64(e.table.Len()))
			}
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.upstreamIngress(ctx, peer, sf)
			}()
		}

		if sf.State() != flow.SubFlowOpen {
			continue // closing; never emit from it
		}

		if err := sf.Upstream.Write(ctx, plainBuf); err != nil {
			if isClosed(err) {
				continue // sub-flow reaped concurrently; drop silently
			}
			e.cfg.Logger.Debug().Err(err).Msg("transient error writing upstream")
			continue
		}
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.PacketsForwarded.Inc()
		}
	}
}

// upstreamIngress implements spec.md §4.4's upstream-ingress operation,
// one goroutine per sub-flow. It exits when the upstream socket closes
// (reaped, or engine shutdown).
func (e *ServerEngine) upstreamIngress(ctx context.Context, peer flow.Addr, sf *flow.SubFlow) {
	buf := make([]byte, MaxPacketSize)
	txBuf := make([]byte, 0, MaxPacketSize)

	// Engine shutdown closes this sub-flow's upstream socket, which
	// unblocks the ReadFrom below.
	stop := context.AfterFunc(ctx, func() { sf.Upstream.Close() })
	defer stop()

	for {
		n, _, err := sf.Upstream.ReadFrom(buf)
		if err != nil {
			if isClosed(err) {
				return
			}
			e.cfg.Logger.Debug().Err(err).Msg("upstream socket transient read error")
			continue
		}

		if sf.State() != flow.SubFlowOpen {
			return // reaped between read and here; emit nothing
		}

		txBuf = txBuf[:0]
		txBuf = append(txBuf, make([]byte, rtpcodec.HeaderSize)...)
		if err := rtpcodec.InitForSend(txBuf, e.cfg.PayloadType); err != nil {
			e.cfg.Logger.Warn().Err(err).Msg("failed to init RTP header")
			continue
		}

		seq := sf.NextSequence()
		ts := sf.NextTimestamp(TimestampStep)
		if err := rtpcodec.WriteFlowFields(txBuf, seq, ts, sf.SSRC); err != nil {
			e.cfg.Logger.Warn().Err(err).Msg("failed to write RTP flow fields")
			continue
		}

		txBuf, err = e.cfg.Mode.Seal(txBuf, buf[:n])
		if err != nil {
			e.cfg.Logger.Warn().Err(err).Msg("failed to seal payload")
			continue
		}

		if err := e.source.WriteTo(ctx, txBuf, peer.UDPAddr()); err != nil {
			if isClosed(err) {
				return
			}
			e.cfg.Logger.Debug().Err(err).Msg("transient error returning to source peer")
			continue
		}
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.PacketsForwarded.Inc()
		}
	}
}

func (e *ServerEngine) dropMalformed(reason string) {
	e.cfg.Logger.Warn().Str("reason", reason).Msg("dropping malformed packet")
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.PacketsDropped.WithLabelValues("malformed").Inc()
	}
}

func randomSeqAndTimestamp() (uint16, uint32, error) {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, 0, err
	}
	return binary.BigEndian.Uint16(buf[:2]), binary.BigEndian.Uint32(buf[2:]), nil
}
