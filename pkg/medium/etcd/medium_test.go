package etcd

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"leasecast/pkg/medium"
	"leasecast/pkg/medium/mediumtest"
)

// EtcdMediumSuite runs the medium conformance checks against a live
// cluster. It skips when none is reachable.
type EtcdMediumSuite struct {
	suite.Suite
	cfg Config
}

func (s *EtcdMediumSuite) SetupSuite() {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		s.T().Skip("Skipping integration tests (SKIP_INTEGRATION_TESTS=true)")
	}
	endpoints := strings.Split(getEnv("TEST_ETCD_ENDPOINTS", "localhost:2379"), ",")
	s.cfg = DefaultConfig(endpoints)

	probe, err := New(s.cfg, zap.NewNop())
	if err != nil {
		s.T().Skipf("Skipping integration tests: %v", err)
	}
	defer probe.Close()
	if err := probe.Available(context.Background()); err != nil {
		s.T().Skipf("Skipping integration tests: %v", err)
	}
}

func (s *EtcdMediumSuite) TestConformance() {
	mediumtest.Run(s.T(), func(t *testing.T) (medium.Medium, medium.Medium, string) {
		a, err := New(s.cfg, zap.NewNop())
		s.Require().NoError(err)
		b, err := New(s.cfg, zap.NewNop())
		s.Require().NoError(err)
		t.Cleanup(func() {
			_ = a.Close()
			_ = b.Close()
		})
		return a, b, mediumtest.Namespace()
	})
}

func TestEtcdMediumSuite(t *testing.T) {
	suite.Run(t, new(EtcdMediumSuite))
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
