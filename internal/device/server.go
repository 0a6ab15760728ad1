package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"kvmmount/internal/config"
	"kvmmount/internal/signalling"
	"kvmmount/internal/transport"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Server exposes a Device over HTTP: WebRTC session setup, HTTP uploads and
// JSON-RPC over WebSocket
type Server struct {
	device   *Device
	peers    *transport.PeerService
	sdp      *transport.SignalingService
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	// ctx bounds everything started on behalf of a connection
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	session *webrtc.PeerConnection
}

// NewServer creates the HTTP front end for device
func NewServer(device *Device, cfg *config.Config, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		device: device,
		peers:  transport.NewPeerService(cfg, logger),
		sdp:    transport.NewSignalingService(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "device-http").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Router builds the gin engine
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.POST(signalling.SessionPath, s.handleWebRTCSession)
	r.POST("/storage/upload", s.handleUploadHTTP)
	r.GET("/rpc", s.handleRPCWebSocket)
	return r
}

// ListenAndServe serves on addr until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("device emulator listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// AcceptOffer answers a client's encoded offer with a new peer connection.
// The new session replaces the previous one.
func (s *Server) AcceptOffer(ctx context.Context, offer string) (string, error) {
	pc, err := s.peers.CreatePeerConnection()
	if err != nil {
		return "", err
	}
	s.peers.SetupConnectionStateHandler(pc, "device")
	s.peers.HandleDataChannels(pc, func(dc *webrtc.DataChannel) {
		s.device.HandleChannel(s.ctx, dc)
	})

	answer, err := s.sdp.Answer(ctx, pc, offer)
	if err != nil {
		_ = pc.Close()
		return "", err
	}

	s.mu.Lock()
	previous := s.session
	s.session = pc
	s.mu.Unlock()
	if previous != nil {
		go func() {
			time.Sleep(time.Second)
			_ = previous.Close()
		}()
	}
	return answer, nil
}

// Close tears down the current session and the device
func (s *Server) Close() error {
	s.cancel()
	s.mu.Lock()
	pc := s.session
	s.session = nil
	s.mu.Unlock()
	if err := s.peers.Close(pc); err != nil {
		s.logger.Debug().Err(err).Msg("closing peer connection")
	}
	return s.device.Close()
}

func (s *Server) handleWebRTCSession(c *gin.Context) {
	var req signalling.SessionMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	answer, err := s.AcceptOffer(c.Request.Context(), req.SD)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to accept offer")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, signalling.SessionMessage{SD: answer})
}

func (s *Server) handleUploadHTTP(c *gin.Context) {
	id := c.Query("uploadId")
	partial, ok := s.device.takeUpload(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrUnknownUploadID.Error()})
		return
	}

	_, err := io.Copy(partial, c.Request.Body)
	s.device.finishUpload(id, partial)
	if err != nil {
		s.logger.Error().Err(err).Str("upload_id", id).Msg("failed to receive upload data")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to write upload data"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Upload completed"})
}

func (s *Server) handleRPCWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.device.HandleChannel(s.ctx, transport.NewWSChannel(conn, transport.RPCChannelLabel))
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}
