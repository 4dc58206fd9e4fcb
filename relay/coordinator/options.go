package coordinator

import (
	"time"

	"github.com/guni1192/droprelay/relay/config"
	"github.com/guni1192/droprelay/relay/progress"
	"github.com/guni1192/droprelay/relay/session"
)

// Options tunes a Coordinator.
type Options struct {
	TTL                time.Duration
	SweepInterval      time.Duration
	CompletionGrace    time.Duration
	P2PCompletionGrace time.Duration

	HighWaterMark    int
	MaxChunkSize     int
	ProgressInterval time.Duration
	EnforceReadiness bool

	Features config.Features

	// Now is the wall clock used for counters and sweeps.
	Now func() time.Time
	// Clock drives the progress throttle.
	Clock progress.Clock
}

// OptionsFromConfig maps the loaded configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		TTL:                cfg.Session.TTL,
		SweepInterval:      cfg.Session.SweepInterval,
		CompletionGrace:    cfg.Session.CompletionGrace,
		P2PCompletionGrace: cfg.Session.P2PCompletionGrace,
		HighWaterMark:      cfg.Relay.HighWaterMark,
		MaxChunkSize:       cfg.Relay.MaxChunkSize,
		ProgressInterval:   cfg.Relay.ProgressInterval,
		EnforceReadiness:   cfg.Relay.EnforceReadiness,
		Features:           cfg.Features,
	}
}

func (o *Options) setDefaults() {
	d := config.Default()
	if o.TTL <= 0 {
		o.TTL = d.Session.TTL
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = d.Session.SweepInterval
	}
	if o.HighWaterMark <= 0 {
		o.HighWaterMark = d.Relay.HighWaterMark
	}
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = d.Relay.MaxChunkSize
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = d.Relay.ProgressInterval
	}
	if !o.Features.Relay && !o.Features.P2P && !o.Features.Storage {
		o.Features = d.Features
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func (o *Options) modeEnabled(m session.Mode) bool {
	switch m {
	case session.ModeRelay:
		return o.Features.Relay
	case session.ModeP2P:
		return o.Features.P2P
	case session.ModeStorage:
		return o.Features.Storage
	}
	return false
}
