package transport

import (
	"context"
	"fmt"

	"kvmmount/pkg/utils"

	"github.com/pion/webrtc/v4"
)

// SignalingService handles SDP offer/answer creation and encoding
type SignalingService struct{}

// NewSignalingService creates a new signaling service
func NewSignalingService() *SignalingService {
	return &SignalingService{}
}

// CreateOffer creates and sets an SDP offer for the peer connection
func (s *SignalingService) CreateOffer(ctx context.Context, pc *webrtc.PeerConnection) (*webrtc.SessionDescription, error) {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}

	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	return &offer, nil
}

// CreateAnswer creates and sets an SDP answer for the peer connection
func (s *SignalingService) CreateAnswer(ctx context.Context, pc *webrtc.PeerConnection) (*webrtc.SessionDescription, error) {
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	return &answer, nil
}

// SetRemoteDescription sets the remote session description
func (s *SignalingService) SetRemoteDescription(pc *webrtc.PeerConnection, sd webrtc.SessionDescription) error {
	if err := pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// WaitForICEGathering waits for ICE candidate gathering to complete.
// Only one signalling message is exchanged so trickle ICE is not used.
func (s *SignalingService) WaitForICEGathering(ctx context.Context, pc *webrtc.PeerConnection) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-webrtc.GatheringCompletePromise(pc):
		return nil
	}
}

// LocalDescription encodes the peer's final local description after gathering
func (s *SignalingService) LocalDescription(ctx context.Context, pc *webrtc.PeerConnection) (string, error) {
	if err := s.WaitForICEGathering(ctx, pc); err != nil {
		return "", fmt.Errorf("ICE gathering: %w", err)
	}
	return s.EncodeSessionDescription(*pc.LocalDescription())
}

// Answer applies an encoded remote offer and returns the encoded answer
func (s *SignalingService) Answer(ctx context.Context, pc *webrtc.PeerConnection, encodedOffer string) (string, error) {
	offer, err := s.DecodeSessionDescription(encodedOffer)
	if err != nil {
		return "", err
	}
	if err := s.SetRemoteDescription(pc, offer); err != nil {
		return "", err
	}
	if _, err := s.CreateAnswer(ctx, pc); err != nil {
		return "", err
	}
	return s.LocalDescription(ctx, pc)
}

// EncodeSessionDescription encodes a session description as base64 JSON
func (s *SignalingService) EncodeSessionDescription(sd webrtc.SessionDescription) (string, error) {
	encoded, err := utils.Encode(sd)
	if err != nil {
		return "", fmt.Errorf("failed to encode session description: %w", err)
	}
	return encoded, nil
}

// DecodeSessionDescription decodes a base64 JSON session description
func (s *SignalingService) DecodeSessionDescription(encoded string) (webrtc.SessionDescription, error) {
	sd, err := utils.Decode[webrtc.SessionDescription](encoded)
	if err != nil {
		return sd, fmt.Errorf("failed to decode session description: %w", err)
	}
	return sd, nil
}
