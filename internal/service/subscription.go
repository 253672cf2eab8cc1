package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xfeldman/sboxd/internal/events"
	"github.com/xfeldman/sboxd/internal/fetch"
	"github.com/xfeldman/sboxd/internal/kconfig"
	"github.com/xfeldman/sboxd/internal/registry"
)

// ErrNoSubscription is returned when no URL is given or configured.
var ErrNoSubscription = errors.New("no subscription url")

// SubscriptionResult describes a successful update.
type SubscriptionResult struct {
	URL        string `json:"url"`
	Bytes      int    `json:"bytes"`
	ConfigPath string `json:"config_path"`
}

// UpdateSubscription downloads a kernel configuration and installs it as the
// active config. The whole body is received and validated before anything
// is written. The controller API and cache settings are injected and
// system-proxy mode is applied in memory, so any failure leaves the previous
// file untouched. An empty url uses the configured subscription.
func (s *Service) UpdateSubscription(ctx context.Context, url string) (*SubscriptionResult, error) {
	if url == "" {
		url = s.cfg.Subscription.URL
	}
	if url == "" {
		return nil, ErrNoSubscription
	}
	if err := validateURL(url); err != nil {
		return nil, err
	}

	opID := opIDFrom(ctx)
	log := s.log.With(zap.String("op", opID), zap.String("url", url))
	s.publish(opID, events.TopicSubscription, "fetching", 0, url)

	body, err := s.fetchSubscription(ctx, url)
	if err == nil {
		err = s.installSubscription(body)
	}
	s.recordSubscription(url, len(body), err)
	if err != nil {
		s.publish(opID, events.TopicSubscription, "failed", 0, err.Error())
		log.Error("subscription update failed", zap.Error(err))
		return nil, err
	}

	s.publish(opID, events.TopicSubscription, "completed", 100, "")
	log.Info("subscription updated", zap.Int("bytes", len(body)))
	return &SubscriptionResult{URL: url, Bytes: len(body), ConfigPath: s.cfg.ConfigPath()}, nil
}

// fetchSubscription is bounded by Fetch.SourceTimeout so a host that accepts
// the connection and never answers cannot hang the caller.
func (s *Service) fetchSubscription(ctx context.Context, url string) ([]byte, error) {
	if d := s.cfg.Fetch.SourceTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	resp, err := s.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %w", fetch.ErrNetwork, url, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: GET %s: %s", fetch.ErrNetwork, url, resp.Status())
	}
	body := resp.Body()
	if err := kconfig.Validate(body); err != nil {
		return body, fmt.Errorf("subscription %s: %w", url, err)
	}
	return body, nil
}

// installSubscription patches the subscription in memory and replaces the
// active config only once every mutation succeeded.
func (s *Service) installSubscription(body []byte) error {
	s.configMu.Lock()
	defer s.configMu.Unlock()

	doc, err := kconfig.Parse(s.cfg.ConfigPath(), body)
	if err != nil {
		return err
	}
	if err := kconfig.InjectExperimental(doc, s.clashAPI(), kconfig.CacheFile{Enabled: true}); err != nil {
		return err
	}
	if err := kconfig.ApplyMode(doc, kconfig.ModeSystemProxy, s.inboundOptions()); err != nil {
		return err
	}
	return doc.Save()
}

func (s *Service) recordSubscription(url string, n int, err error) {
	if s.db == nil {
		return
	}
	rec := &registry.SubscriptionFetch{URL: url, Bytes: int64(n), Error: errString(err), FetchedAt: time.Now()}
	if dberr := s.db.SaveSubscriptionFetch(rec); dberr != nil {
		s.log.Warn("record subscription fetch", zap.Error(dberr))
	}
}
