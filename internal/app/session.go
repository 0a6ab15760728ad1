package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"kvmmount/internal/config"
	"kvmmount/internal/mount"
	"kvmmount/internal/rpc"
	"kvmmount/internal/signalling"
	"kvmmount/internal/transport"
	"kvmmount/internal/upload"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var ErrNoDiskChannel = errors.New("live block serving needs a peer connection to the device")

// Session is a connection to one device: the control plane plus whatever
// data channels the transport offers
type Session struct {
	config *config.Config
	logger zerolog.Logger

	client *rpc.Client
	device *rpc.Device

	// remote mode only
	peers    *transport.PeerService
	peerConn *webrtc.PeerConnection
	diskMu   sync.Mutex
	disk     *webrtc.DataChannel
}

// Connect opens a session the way the configured device mode requires
func Connect(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Session, error) {
	switch cfg.Device.Mode {
	case config.ModeOnDevice:
		return ConnectOnDevice(ctx, cfg, logger)
	default:
		return ConnectRemote(ctx, cfg, logger)
	}
}

// ConnectRemote negotiates a peer connection with the device. The rpc and
// disk channels are created before the offer so they are part of it.
func ConnectRemote(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Session, error) {
	peers := transport.NewPeerService(cfg, logger)
	peerConn, err := peers.CreatePeerConnection()
	if err != nil {
		return nil, err
	}
	peers.SetupConnectionStateHandler(peerConn, "client")

	s := &Session{
		config:   cfg,
		logger:   logger.With().Str("component", "session").Logger(),
		peers:    peers,
		peerConn: peerConn,
	}

	rpcChannel, err := peers.CreateDataChannel(peerConn, transport.RPCChannelLabel)
	if err != nil {
		_ = peerConn.Close()
		return nil, err
	}
	if s.disk, err = peers.CreateDataChannel(peerConn, transport.DiskChannelLabel); err != nil {
		_ = peerConn.Close()
		return nil, err
	}

	signaler, err := signalling.NewDefaultSignalingService(ctx, cfg, logger)
	if err != nil {
		_ = peerConn.Close()
		return nil, err
	}
	if err := signaler.Connect(ctx, peerConn); err != nil {
		_ = peerConn.Close()
		return nil, fmt.Errorf("failed during signalling process: %w", err)
	}

	openCtx, cancel := context.WithTimeout(ctx, cfg.WebRTC.OpenTimeout)
	defer cancel()
	if err := transport.WaitOpen(openCtx, rpcChannel); err != nil {
		_ = peerConn.Close()
		return nil, fmt.Errorf("control channel did not open: %w", err)
	}

	s.attach(rpcChannel)
	s.logger.Info().Str("device", cfg.Device.URL).Msg("connected to device")
	return s, nil
}

// ConnectOnDevice talks to the device's local WebSocket endpoint. Uploads go
// over HTTP and there is no disk channel.
func ConnectOnDevice(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Session, error) {
	wsURL, err := WebSocketURL(cfg.Device.URL)
	if err != nil {
		return nil, err
	}

	ch, err := transport.DialWebSocket(ctx, wsURL, transport.RPCChannelLabel)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}

	s := &Session{
		config: cfg,
		logger: logger.With().Str("component", "session").Logger(),
	}
	s.attach(ch)
	s.logger.Info().Str("device", wsURL).Msg("connected to device")
	return s, nil
}

// WebSocketURL maps the device's HTTP base URL to its RPC WebSocket endpoint
func WebSocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid device url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid device url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/rpc"
	return u.String(), nil
}

func (s *Session) attach(ch transport.MessageChannel) {
	s.client = rpc.NewClient(ch, s.logger)
	s.client.OnEvent(func(method string, params json.RawMessage) {
		s.logger.Info().Str("event", method).RawJSON("params", nonEmptyJSON(params)).Msg("device event")
	})
	s.device = rpc.NewDevice(timeoutCaller{client: s.client, timeout: s.config.Device.RPCTimeout})
}

func nonEmptyJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

// Device returns the typed control plane
func (s *Session) Device() *rpc.Device {
	return s.device
}

// OpenChannel returns the negotiated disk channel or opens a new channel,
// such as an upload channel named by its session id
func (s *Session) OpenChannel(ctx context.Context, label string) (transport.MessageChannel, error) {
	if s.peerConn == nil {
		return nil, ErrNoDiskChannel
	}
	if label == transport.DiskChannelLabel {
		return s.openDisk(ctx)
	}
	return s.peers.OpenDataChannel(ctx, s.peerConn, label)
}

// openDisk waits for the negotiated disk channel, replacing it in-band once
// an earlier block server has closed it
func (s *Session) openDisk(ctx context.Context) (*webrtc.DataChannel, error) {
	s.diskMu.Lock()
	defer s.diskMu.Unlock()

	switch s.disk.ReadyState() {
	case webrtc.DataChannelStateClosing, webrtc.DataChannelStateClosed:
		s.logger.Info().Msg("disk channel closed, opening a new one")
		dc, err := s.peers.OpenDataChannel(ctx, s.peerConn, transport.DiskChannelLabel)
		if err != nil {
			return nil, fmt.Errorf("failed to reopen disk channel: %w", err)
		}
		s.disk = dc
		return dc, nil
	}

	openCtx, cancel := context.WithTimeout(ctx, s.config.WebRTC.OpenTimeout)
	defer cancel()
	if err := transport.WaitOpen(openCtx, s.disk); err != nil {
		return nil, fmt.Errorf("disk channel did not open: %w", err)
	}
	return s.disk, nil
}

// Orchestrator builds the mount flow on top of this session
func (s *Session) Orchestrator() (*mount.Orchestrator, error) {
	var opener upload.ChannelOpener
	if s.peerConn != nil {
		opener = s
	}
	uploader, err := upload.New(s.config.Device.Mode, upload.OptionsFromConfig(s.config), opener, nil, s.config.Device.URL, s.logger)
	if err != nil {
		return nil, err
	}
	return mount.New(s.device, mount.Options{
		BrowserMount: s.config.Features.BrowserMount,
		Uploader:     uploader,
		Disk:         opener,
	}, s.logger), nil
}

// Failures reports peer connection loss; nil in on-device mode
func (s *Session) Failures() <-chan *transport.ConnectionFailureError {
	if s.peers == nil {
		return nil
	}
	return s.peers.FailureChannel()
}

// Close ends the session
func (s *Session) Close() error {
	var err error
	if s.client != nil {
		err = s.client.Close()
	}
	if s.peers != nil {
		if perr := s.peers.Close(s.peerConn); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

// timeoutCaller bounds every control-plane call
type timeoutCaller struct {
	client  *rpc.Client
	timeout time.Duration
}

func (c timeoutCaller) Call(ctx context.Context, method string, params any, result any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.client.Call(ctx, method, params, result)
}
