package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// runChargeActivation approves statutory charges that fell due, for every
// tenant, once at start and then every interval until ctx is done.
func (s *Server) runChargeActivation(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.activateDueCharges(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) activateDueCharges(ctx context.Context) {
	for _, t := range s.tenants.Tenants() {
		if ctx.Err() != nil {
			return
		}
		svc, err := s.servicesFor(t)
		if err != nil {
			s.logger.Error("charge activation skipped", zap.String("tenant", t.Slug), zap.Error(err))
			continue
		}
		if _, err := svc.charges.ActivateDue(ctx); err != nil {
			s.logger.Error("charge activation failed", zap.String("tenant", t.Slug), zap.Error(err))
		}
	}
}
