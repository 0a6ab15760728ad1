package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
)

const (
	// ModeRemote reaches the device over a WebRTC peer connection
	ModeRemote = "remote"
	// ModeOnDevice talks to the device directly over HTTP and WebSocket
	ModeOnDevice = "on-device"

	SignallingDirect   = "direct"
	SignallingFirebase = "firebase"
)

var (
	ErrInvalidBufferConfig        = errors.New("buffered amount low threshold must be less than max buffered amount")
	ErrInvalidChunkSize           = errors.New("chunk size must be greater than 0")
	ErrInvalidDeviceURL           = errors.New("device URL must be set")
	ErrInvalidDeviceMode          = errors.New(`device mode must be "remote" or "on-device"`)
	ErrInvalidSignalling          = errors.New(`signalling must be "direct" or "firebase"`)
	ErrInvalidFirebaseConfig      = errors.New("Firebase credentials path must be set")
	ErrInvalidFirebaseDatabaseURL = errors.New("Firebase database URL must be set")
	ErrInvalidFirebaseDeviceID    = errors.New("Firebase device ID must be set")
)

// Config holds all application configuration
type Config struct {
	Device   DeviceConfig   `mapstructure:"device"`
	WebRTC   WebRTCConfig   `mapstructure:"webrtc"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Firebase FirebaseConfig `mapstructure:"firebase"`
	Features FeatureConfig  `mapstructure:"features"`
	Log      LogConfig      `mapstructure:"log"`
	Emulator EmulatorConfig `mapstructure:"emulator"`
}

// DeviceConfig describes how to reach the KVM device
type DeviceConfig struct {
	URL        string        `mapstructure:"url"`
	Mode       string        `mapstructure:"mode"`
	Signalling string        `mapstructure:"signalling"`
	RPCTimeout time.Duration `mapstructure:"rpc_timeout"`
}

// WebRTCConfig holds WebRTC-specific configuration
type WebRTCConfig struct {
	ICEServers                 []string      `mapstructure:"ice_servers"`
	BufferedAmountLowThreshold uint64        `mapstructure:"buffered_amount_low_threshold"`
	MaxBufferedAmount          uint64        `mapstructure:"max_buffered_amount"`
	ChunkSize                  int           `mapstructure:"chunk_size"`
	OpenTimeout                time.Duration `mapstructure:"open_timeout"`
}

// UploadConfig holds bulk upload settings
type UploadConfig struct {
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

// FirebaseConfig holds Firebase client configuration
type FirebaseConfig struct {
	DatabaseURL     string `mapstructure:"database_url"`
	CredentialsPath string `mapstructure:"credentials_path"`
	DeviceID        string `mapstructure:"device_id"`
}

// FeatureConfig toggles features that are off by default
type FeatureConfig struct {
	BrowserMount bool `mapstructure:"browser_mount"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// EmulatorConfig holds settings for the device emulator
type EmulatorConfig struct {
	Listen     string `mapstructure:"listen"`
	StorageDir string `mapstructure:"storage_dir"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			URL:        "http://localhost:8080",
			Mode:       ModeRemote,
			Signalling: SignallingDirect,
			RPCTimeout: 30 * time.Second,
		},
		WebRTC: WebRTCConfig{
			ICEServers:                 []string{"stun:stun.l.google.com:19302"},
			BufferedAmountLowThreshold: 256 * 1024,  // 256 KB
			MaxBufferedAmount:          1024 * 1024, // 1 MB
			ChunkSize:                  4 * 1024,    // 4 KB chunks
			OpenTimeout:                30 * time.Second,
		},
		Upload: UploadConfig{
			ProgressInterval: 200 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
		Emulator: EmulatorConfig{
			Listen:     ":8080",
			StorageDir: "./images",
		},
	}
}

// SetDefaults registers every default from NewDefaultConfig with v
func SetDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("device.url", d.Device.URL)
	v.SetDefault("device.mode", d.Device.Mode)
	v.SetDefault("device.signalling", d.Device.Signalling)
	v.SetDefault("device.rpc_timeout", d.Device.RPCTimeout)

	v.SetDefault("webrtc.ice_servers", d.WebRTC.ICEServers)
	v.SetDefault("webrtc.buffered_amount_low_threshold", d.WebRTC.BufferedAmountLowThreshold)
	v.SetDefault("webrtc.max_buffered_amount", d.WebRTC.MaxBufferedAmount)
	v.SetDefault("webrtc.chunk_size", d.WebRTC.ChunkSize)
	v.SetDefault("webrtc.open_timeout", d.WebRTC.OpenTimeout)

	v.SetDefault("upload.progress_interval", d.Upload.ProgressInterval)

	v.SetDefault("firebase.database_url", "")
	v.SetDefault("firebase.credentials_path", "")
	v.SetDefault("firebase.device_id", "")

	v.SetDefault("features.browser_mount", false)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", d.Log.Pretty)

	v.SetDefault("emulator.listen", d.Emulator.Listen)
	v.SetDefault("emulator.storage_dir", d.Emulator.StorageDir)
}

// Load decodes and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.WebRTC.BufferedAmountLowThreshold >= c.WebRTC.MaxBufferedAmount {
		return ErrInvalidBufferConfig
	}
	if c.WebRTC.ChunkSize <= 0 {
		return ErrInvalidChunkSize
	}
	if c.Device.URL == "" {
		return ErrInvalidDeviceURL
	}
	if c.Device.Mode != ModeRemote && c.Device.Mode != ModeOnDevice {
		return ErrInvalidDeviceMode
	}
	switch c.Device.Signalling {
	case SignallingDirect:
	case SignallingFirebase:
		if c.Firebase.CredentialsPath == "" {
			return ErrInvalidFirebaseConfig
		}
		if c.Firebase.DatabaseURL == "" {
			return ErrInvalidFirebaseDatabaseURL
		}
		if c.Firebase.DeviceID == "" {
			return ErrInvalidFirebaseDeviceID
		}
	default:
		return ErrInvalidSignalling
	}
	return nil
}

// ICEServerList converts the configured URLs into pion ICE servers
func (w WebRTCConfig) ICEServerList() []webrtc.ICEServer {
	if len(w.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: w.ICEServers}}
}
