package signalling

import (
	"context"
	"fmt"

	"kvmmount/internal/config"
	"kvmmount/internal/transport"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Exchanger delivers an encoded offer to the device and returns its encoded answer
type Exchanger interface {
	Exchange(ctx context.Context, offer string) (answer string, err error)
}

// SignalingService runs the client side of the offer/answer exchange
type SignalingService struct {
	exchanger Exchanger
	sdp       *transport.SignalingService
	logger    zerolog.Logger
}

func NewSignalingService(exchanger Exchanger, sdp *transport.SignalingService, logger zerolog.Logger) *SignalingService {
	return &SignalingService{
		exchanger: exchanger,
		sdp:       sdp,
		logger:    logger.With().Str("component", "signalling").Logger(),
	}
}

// NewDefaultSignalingService picks the exchanger named by the device configuration
func NewDefaultSignalingService(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*SignalingService, error) {
	var exchanger Exchanger
	switch cfg.Device.Signalling {
	case config.SignallingFirebase:
		relay, err := NewFirebaseRelay(ctx, &cfg.Firebase, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Firebase client: %w", err)
		}
		exchanger = relay
	default:
		exchanger = NewHTTPExchanger(nil, cfg.Device.URL)
	}
	return NewSignalingService(exchanger, transport.NewSignalingService(), logger), nil
}

// Connect creates the offer, waits for ICE gathering, exchanges it and applies the answer
func (s *SignalingService) Connect(ctx context.Context, peerConn *webrtc.PeerConnection) error {
	if _, err := s.sdp.CreateOffer(ctx, peerConn); err != nil {
		return err
	}

	offer, err := s.sdp.LocalDescription(ctx, peerConn)
	if err != nil {
		return fmt.Errorf("failed to prepare offer: %w", err)
	}

	s.logger.Debug().Msg("sending offer")
	answer, err := s.exchanger.Exchange(ctx, offer)
	if err != nil {
		return fmt.Errorf("failed to exchange session description: %w", err)
	}

	answerSD, err := s.sdp.DecodeSessionDescription(answer)
	if err != nil {
		return err
	}
	if err := s.sdp.SetRemoteDescription(peerConn, answerSD); err != nil {
		return err
	}
	s.logger.Debug().Msg("answer applied")
	return nil
}
