package redis

import (
	"os"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"leasecast/pkg/medium"
	"leasecast/pkg/medium/mediumtest"
)

// RedisMediumSuite runs the medium conformance checks against a live
// server. It skips when none is reachable.
type RedisMediumSuite struct {
	suite.Suite
	cfg Config
}

func (s *RedisMediumSuite) SetupSuite() {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		s.T().Skip("Skipping integration tests (SKIP_INTEGRATION_TESTS=true)")
	}
	s.cfg = DefaultConfig(getEnv("TEST_REDIS_ADDR", "localhost:6379"))

	probe, err := New(s.cfg, zap.NewNop())
	if err != nil {
		s.T().Skipf("Skipping integration tests: %v", err)
	}
	_ = probe.Close()
}

func (s *RedisMediumSuite) TestConformance() {
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

func (s *RedisMediumSuite) TestEscapeGlob() {
	s.Equal(`lc_\*_\?_\[x\]`, escapeGlob("lc_*_?_[x]"))
}

func TestRedisMediumSuite(t *testing.T) {
	suite.Run(t, new(RedisMediumSuite))
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
