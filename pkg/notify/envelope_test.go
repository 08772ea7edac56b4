package notify

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leasecast/pkg/models"
)

var stamp = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

// The encoding is shared by every instance of a partition, including ones
// running older builds, so it is pinned byte for byte.
func TestEnvelope_Golden(t *testing.T) {
	g := newGoldie(t)

	cases := []struct {
		name   string
		encode func() (string, error)
	}{
		{"instance", func() (string, error) {
			return encodeInstance("tab-a", models.InstanceRow{
				InstanceID:     "tab-a",
				OwnerUserID:    "alice",
				Visibility:     models.VisibilityForeground,
				PendingBatches: []models.BatchID{3, 7},
				ActiveTargets:  []models.TargetID{2},
				UpdateTime:     stamp,
			})
		}},
		{"instance_empty", func() (string, error) {
			return encodeInstance("tab-b", models.InstanceRow{
				InstanceID:  "tab-b",
				OwnerUserID: models.AnonymousUser,
				Visibility:  models.VisibilityUnknown,
				UpdateTime:  stamp,
			})
		}},
		{"mutation_pending", func() (string, error) {
			return encodeMutation("tab-a", models.MutationStatusEvent{
				BatchID: 42, Status: models.MutationPending, UpdateTime: stamp,
			})
		}},
		{"mutation_rejected", func() (string, error) {
			return encodeMutation("tab-a", models.MutationStatusEvent{
				BatchID:    42,
				Status:     models.MutationRejected,
				Error:      &models.StatusError{Code: "permission-denied", Message: "missing write access"},
				UpdateTime: stamp,
			})
		}},
		{"target_current", func() (string, error) {
			return encodeTarget("tab-a", models.WatchStatusEvent{
				TargetID: 2, Status: models.WatchCurrent, UpdateTime: stamp,
			})
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			value, err := tc.encode()
			require.NoError(t, err)
			g.Assert(t, tc.name, []byte(value))

			msg, err := decode(value)
			require.NoError(t, err)
			assert.NotEmpty(t, msg.Origin)
			assert.True(t, time.UnixMilli(msg.UpdateTime).Equal(stamp))
		})
	}
}

func TestDecode_Payloads(t *testing.T) {
	value, err := encodeMutation("tab-a", models.MutationStatusEvent{
		BatchID:    42,
		Status:     models.MutationRejected,
		Error:      &models.StatusError{Code: "aborted", Message: "conflict"},
		UpdateTime: stamp,
	})
	require.NoError(t, err)

	msg, err := decode(value)
	require.NoError(t, err)
	assert.Equal(t, KindMutation, msg.Kind)
	require.NotNil(t, msg.mutation)
	assert.Nil(t, msg.instance)
	assert.Nil(t, msg.target)
	assert.Equal(t, models.BatchID(42), msg.mutation.BatchID)
	assert.Equal(t, &models.StatusError{Code: "aborted", Message: "conflict"}, msg.mutation.Error)
	assert.True(t, msg.mutation.UpdateTime.Equal(stamp))

	value, err = encodeInstance("tab-a", models.InstanceRow{
		InstanceID:     "tab-a",
		OwnerUserID:    "alice",
		Visibility:     models.VisibilityBackground,
		PendingBatches: []models.BatchID{1},
		UpdateTime:     stamp,
	})
	require.NoError(t, err)
	msg, err = decode(value)
	require.NoError(t, err)
	require.NotNil(t, msg.instance)
	assert.Equal(t, []models.BatchID{1}, msg.instance.PendingBatches)
	assert.Empty(t, msg.instance.ActiveTargets)
	assert.True(t, msg.instance.UpdateTime.Equal(stamp))
}

func TestDecode_RejectsMalformed(t *testing.T) {
	for name, value := range map[string]string{
		"not json":       `{"kind":`,
		"unknown kind":   `{"kind":"lease","origin":"tab-a","update_time":1}`,
		"missing origin": `{"kind":"mutation","update_time":1,"batch_id":1,"status":"PENDING"}`,
		"bad status":     `{"kind":"mutation","origin":"tab-a","update_time":1,"batch_id":1,"status":"DONE"}`,
		"bad watch":      `{"kind":"target","origin":"tab-a","update_time":1,"target_id":1,"status":"PENDING?"}`,
		"no instance id": `{"kind":"instance","origin":"tab-a","update_time":1}`,
		"wrong id type":  `{"kind":"mutation","origin":"tab-a","update_time":1,"batch_id":"x","status":"PENDING"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := decode(value)
			assert.ErrorIs(t, err, errMalformed)
		})
	}
}
