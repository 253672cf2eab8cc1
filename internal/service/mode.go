package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/xfeldman/sboxd/internal/kconfig"
)

// SetMode rewrites the kernel inbounds for mode.
func (s *Service) SetMode(ctx context.Context, mode kconfig.Mode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()

	err := kconfig.Update(s.cfg.ConfigPath(), func(doc *kconfig.Document) error {
		return kconfig.ApplyMode(doc, mode, s.inboundOptions())
	})
	if err != nil {
		return err
	}
	s.log.Info("proxy mode set", zap.String("mode", string(mode)))
	return nil
}

// SetIPVersion switches the kernel between IPv4-only and prefer-IPv6 name
// resolution. It returns how many strategy fields besides dns.strategy were
// rewritten.
func (s *Service) SetIPVersion(ctx context.Context, preferIPv6 bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()

	strategy := kconfig.StrategyFor(preferIPv6)
	var n int
	err := kconfig.Update(s.cfg.ConfigPath(), func(doc *kconfig.Document) error {
		var err error
		n, err = kconfig.SetDomainStrategy(doc, strategy)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("domain strategy set", zap.String("strategy", string(strategy)), zap.Int("rewritten", n))
	return n, nil
}
