package transport

import (
	"context"
	"fmt"

	"kvmmount/internal/config"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	// RPCChannelLabel carries JSON-RPC control-plane messages
	RPCChannelLabel = "rpc"
	// DiskChannelLabel carries block requests and frames for live mounts
	DiskChannelLabel = "disk"
)

// ConnectionFailureError represents a peer connection that failed or closed
type ConnectionFailureError struct {
	State   webrtc.PeerConnectionState
	Role    string
	Message string
}

func (e *ConnectionFailureError) Error() string {
	return fmt.Sprintf("connection failed in %s state for %s: %s", e.State.String(), e.Role, e.Message)
}

// PeerService manages WebRTC peer connection lifecycle
type PeerService struct {
	config      *config.Config
	logger      zerolog.Logger
	failureChan chan *ConnectionFailureError
}

// NewPeerService creates a new peer service with the given configuration
func NewPeerService(cfg *config.Config, logger zerolog.Logger) *PeerService {
	return &PeerService{
		config:      cfg,
		logger:      logger.With().Str("component", "peer").Logger(),
		failureChan: make(chan *ConnectionFailureError, 1),
	}
}

// CreatePeerConnection creates a new peer connection with the configured ICE servers
func (p *PeerService) CreatePeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: p.config.WebRTC.ICEServerList(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}

// SetupConnectionStateHandler reports failed or closed connections on the failure channel
func (p *PeerService) SetupConnectionStateHandler(peerConn *webrtc.PeerConnection, role string) {
	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.handleConnectionStateChange(state, role)
	})
}

// FailureChannel returns a channel that receives connection failures
func (p *PeerService) FailureChannel() <-chan *ConnectionFailureError {
	return p.failureChan
}

// CreateDataChannel creates an ordered, reliable data channel with the given label
func (p *PeerService) CreateDataChannel(peerConn *webrtc.PeerConnection, label string) (*webrtc.DataChannel, error) {
	ordered := true
	dc, err := peerConn.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel %q: %w", label, err)
	}
	return dc, nil
}

// OpenDataChannel creates a data channel and waits for it to open
func (p *PeerService) OpenDataChannel(ctx context.Context, peerConn *webrtc.PeerConnection, label string) (*webrtc.DataChannel, error) {
	dc, err := p.CreateDataChannel(peerConn, label)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.WebRTC.OpenTimeout)
	defer cancel()
	if err := WaitOpen(ctx, dc); err != nil {
		_ = dc.Close()
		return nil, err
	}

	p.logger.Debug().Str("label", label).Uint16("id", idOf(dc)).Msg("data channel opened")
	return dc, nil
}

// HandleDataChannels routes channels opened by the remote peer to handle
func (p *PeerService) HandleDataChannels(peerConn *webrtc.PeerConnection, handle func(dc *webrtc.DataChannel)) {
	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.logger.Debug().Str("label", dc.Label()).Uint16("id", idOf(dc)).Msg("received data channel")
		handle(dc)
	})
}

// Close gracefully closes the peer connection
func (p *PeerService) Close(peerConn *webrtc.PeerConnection) error {
	if peerConn == nil {
		return nil
	}
	return peerConn.Close()
}

func (p *PeerService) handleConnectionStateChange(state webrtc.PeerConnectionState, role string) {
	p.logger.Info().Str("state", state.String()).Str("role", role).Msg("peer connection state changed")

	var message string
	switch state {
	case webrtc.PeerConnectionStateFailed:
		message = "peer connection failed"
	case webrtc.PeerConnectionStateClosed:
		message = "peer connection closed"
	default:
		return
	}

	select {
	case p.failureChan <- &ConnectionFailureError{State: state, Role: role, Message: message}:
	default:
	}
}

func idOf(dc *webrtc.DataChannel) uint16 {
	if id := dc.ID(); id != nil {
		return *id
	}
	return 0
}
