package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leasecast/pkg/auth"
	"leasecast/pkg/models"
	"leasecast/pkg/storage"
	"leasecast/pkg/storage/sqlite"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seededStore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lc.db")
	store, err := sqlite.Open(path)
	require.NoError(t, err)
	defer store.Close()

	now := time.Now()
	require.NoError(t, store.RunTransaction(context.Background(), "seed", func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Instances().Put(ctx, models.InstanceRecord{
			OwnerUserID: "alice", InstanceID: "tab-2", LastUpdate: now, Visibility: models.VisibilityBackground,
		}); err != nil {
			return err
		}
		if err := tx.Instances().Put(ctx, models.InstanceRecord{
			OwnerUserID: "alice", InstanceID: "tab-1", LastUpdate: now, Visibility: models.VisibilityForeground,
		}); err != nil {
			return err
		}
		return tx.Owner().Put(ctx, models.OwnerLease{OwnerInstanceID: "tab-1", LeaseExpiry: now.Add(time.Minute)})
	}))

	t.Setenv("LEASECAST_STORE_DRIVER", "sqlite")
	t.Setenv("LEASECAST_SQLITE_PATH", path)
	return path
}

func TestLeaseCommand(t *testing.T) {
	seededStore(t)

	out, err := execute(t, "lease")
	require.NoError(t, err)
	assert.Contains(t, out, "owner:  tab-1")
	assert.Contains(t, out, "(valid)")

	out, err = execute(t, "lease", "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Lease *models.OwnerLease `json:"lease"`
		Valid bool               `json:"valid"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Lease)
	assert.Equal(t, "tab-1", resp.Lease.OwnerInstanceID)
	assert.True(t, resp.Valid)
}

func TestLeaseCommand_Empty(t *testing.T) {
	t.Setenv("LEASECAST_STORE_DRIVER", "memory")

	out, err := execute(t, "lease")
	require.NoError(t, err)
	assert.Equal(t, "no lease\n", out)
}

func TestInstancesCommand(t *testing.T) {
	seededStore(t)

	out, err := execute(t, "instances")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "INSTANCE")
	assert.Contains(t, lines[1], "tab-1")
	assert.Contains(t, lines[2], "tab-2")

	out, err = execute(t, "instances", "--format", "json")
	require.NoError(t, err)
	var records []models.InstanceRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 2)
	assert.Equal(t, models.VisibilityForeground, records[0].Visibility)
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("LEASECAST_JWT_SECRET", "s3cret")
	t.Setenv("LEASECAST_PERSISTENCE_KEY", "main")

	out, err := execute(t, "token", "--role", "admin", "--subject", "ops")
	require.NoError(t, err)

	svc, err := auth.NewJWTService(auth.DefaultJWTConfig("s3cret"))
	require.NoError(t, err)
	claims, err := svc.ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, auth.RoleAdmin, claims.Role)
	assert.Equal(t, "main", claims.Partition)
}

func TestTokenCommand_Errors(t *testing.T) {
	_, err := execute(t, "token")
	assert.ErrorContains(t, err, "jwt_secret")

	t.Setenv("LEASECAST_JWT_SECRET", "s3cret")
	_, err = execute(t, "token", "--role", "root")
	assert.ErrorContains(t, err, "unknown role")
}

func TestInvalidFormat(t *testing.T) {
	t.Setenv("LEASECAST_STORE_DRIVER", "memory")
	_, err := execute(t, "lease", "--format", "yaml")
	assert.ErrorContains(t, err, "invalid format")
}
