// Package service implements the daemon's user-facing operations on top of
// the kernel config, the fetch pipeline and the supervisor: subscription
// updates, kernel installs, mode and IP-version switches and self-update.
//
// None of the operations restart the kernel; callers do that explicitly.
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"go.uber.org/zap"

	"github.com/xfeldman/sboxd/internal/config"
	"github.com/xfeldman/sboxd/internal/events"
	"github.com/xfeldman/sboxd/internal/fetch"
	"github.com/xfeldman/sboxd/internal/kconfig"
	"github.com/xfeldman/sboxd/internal/registry"
)

// Options wires a Service.
type Options struct {
	Config    *config.Config
	Logger    *zap.Logger
	HTTP      *resty.Client
	Installer *fetch.Installer
	Events    events.Publisher
	// Registry is optional; history is not recorded without it.
	Registry *registry.DB
	// Platform defaults to the host platform.
	Platform config.Platform
}

// Service runs orchestration operations.
type Service struct {
	cfg       *config.Config
	log       *zap.Logger
	http      *resty.Client
	installer *fetch.Installer
	events    events.Publisher
	db        *registry.DB
	platform  config.Platform

	// configMu serializes read-modify-write cycles on the kernel config.
	configMu sync.Mutex
}

// New creates a service.
func New(o Options) *Service {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Events == nil {
		o.Events = events.Discard
	}
	if o.Platform == (config.Platform{}) {
		o.Platform = config.DetectPlatform()
	}
	if o.Installer == nil {
		o.Installer = fetch.NewInstaller(o.Logger, o.Config.Fetch.SourceTimeout)
	}
	return &Service{
		cfg:       o.Config,
		log:       o.Logger.Named("service"),
		http:      o.HTTP,
		installer: o.Installer,
		events:    o.Events,
		db:        o.Registry,
		platform:  o.Platform,
	}
}

// Config returns the runtime configuration.
func (s *Service) Config() *config.Config { return s.cfg }

func (s *Service) inboundOptions() kconfig.InboundOptions {
	p := s.cfg.Proxy
	return kconfig.InboundOptions{
		ListenAddr:   p.ListenAddr,
		ListenPort:   p.ListenPort,
		TunAddresses: p.TunAddresses,
		TunStack:     p.TunStack,
	}
}

func (s *Service) clashAPI() kconfig.ClashAPI {
	p := s.cfg.Proxy
	return kconfig.ClashAPI{
		ExternalController:       p.ClashController,
		ExternalUI:               p.ClashUI,
		ExternalUIDownloadURL:    p.ClashUIURL,
		ExternalUIDownloadDetour: p.ClashUIDetour,
		DefaultMode:              p.ClashDefaultMode,
	}
}

func (s *Service) sourceOptions() fetch.SourceOptions {
	opts := fetch.SourceOptions{Client: s.http, Platform: s.platform}
	if s.http != nil {
		opts.Remote = []remote.Option{remote.WithTransport(s.http.GetClient().Transport)}
		if ua := s.cfg.Fetch.UserAgent; ua != "" {
			opts.Remote = append(opts.Remote, remote.WithUserAgent(ua))
		}
	}
	return opts
}

type opIDKey struct{}

// WithOpID makes an operation started with ctx publish its events under id,
// so a caller can pick its own events out of the shared bus.
func WithOpID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, opIDKey{}, id)
}

// OpIDFromContext returns the id set by WithOpID.
func OpIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(opIDKey{}).(string)
	return id, ok && id != ""
}

func opIDFrom(ctx context.Context) string {
	if id, ok := OpIDFromContext(ctx); ok {
		return id
	}
	return uuid.NewString()
}

// publish emits an event, clamping progress to 0..100.
func (s *Service) publish(opID string, topic events.Topic, stage string, progress int, msg string) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	s.events.Publish(events.Event{
		OpID:     opID,
		Topic:    topic,
		Stage:    stage,
		Progress: progress,
		Message:  msg,
		Time:     time.Now(),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// validateURL accepts absolute http(s) URLs only.
func validateURL(raw string) error {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return fmt.Errorf("invalid url %q: want http(s)", raw)
	}
	return nil
}
