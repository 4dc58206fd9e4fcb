package config

import (
	"time"

	"github.com/guni1192/droprelay/relay/ratelimit"
)

// Config is the complete relay configuration document.
type Config struct {
	ListenAddr     string     `yaml:"listen_addr"`
	HTTP3Addr      string     `yaml:"http3_addr,omitempty"`
	MaxConnections int        `yaml:"max_connections"`
	TLS            TLS        `yaml:"tls,omitempty"`
	Log            Log        `yaml:"log"`
	Features       Features   `yaml:"features"`
	Session        Session    `yaml:"session"`
	Relay          Relay      `yaml:"relay"`
	RateLimits     RateLimits `yaml:"rate_limits"`
	Storage        Storage    `yaml:"storage"`
}

// TLS points at a certificate pair. When empty, a self-signed certificate
// is generated for the HTTP/3 listener.
type TLS struct {
	CertFile string `yaml:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
}

// Log configures the process logger and the audit stream.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Features toggles transfer modes.
type Features struct {
	Relay   bool `yaml:"relay"`
	P2P     bool `yaml:"p2p"`
	Storage bool `yaml:"storage"`
}

// Session configures session lifetime.
type Session struct {
	TTL                time.Duration `yaml:"ttl"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	CompletionGrace    time.Duration `yaml:"completion_grace"`
	P2PCompletionGrace time.Duration `yaml:"p2p_completion_grace"`
}

// Relay configures the chunk relay and signaling.
type Relay struct {
	HighWaterMark    int           `yaml:"high_water_mark"`
	MaxChunkSize     int           `yaml:"max_chunk_size"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	EnforceReadiness bool          `yaml:"enforce_readiness"`
}

// RateLimits holds one sliding-window rule per action.
type RateLimits struct {
	Create ratelimit.Rule `yaml:"create"`
	Join   ratelimit.Rule `yaml:"join"`
	Upload ratelimit.Rule `yaml:"upload"`
}

// Rules returns the limits keyed by action.
func (r RateLimits) Rules() map[ratelimit.Action]ratelimit.Rule {
	return map[ratelimit.Action]ratelimit.Rule{
		ratelimit.ActionCreate: r.Create,
		ratelimit.ActionJoin:   r.Join,
		ratelimit.ActionUpload: r.Upload,
	}
}

// Storage configures the blob store used by storage mode.
type Storage struct {
	UploadDir        string        `yaml:"upload_dir"`
	MaxFileSize      int64         `yaml:"max_file_size"`
	Retention        time.Duration `yaml:"retention"`
	DeleteOnDownload bool          `yaml:"delete_on_download"`
	OrphanAge        time.Duration `yaml:"orphan_age"`
}
