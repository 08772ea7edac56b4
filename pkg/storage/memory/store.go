package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"leasecast/pkg/models"
	"leasecast/pkg/storage"
)

type instanceKey struct {
	userID     string
	instanceID string
}

type state struct {
	instances map[instanceKey]models.InstanceRecord
	owner     *models.OwnerLease
}

func (s *state) clone() *state {
	c := &state{instances: make(map[instanceKey]models.InstanceRecord, len(s.instances))}
	for k, v := range s.instances {
		c.instances[k] = v
	}
	if s.owner != nil {
		owner := *s.owner
		c.owner = &owner
	}
	return c
}

// Store is a process-local storage.Store. Transactions are fully serialized
// and run against a private copy that is swapped in only on commit.
type Store struct {
	mu     sync.Mutex
	data   *state
	closed bool
}

func NewStore() *Store {
	return &Store{data: &state{instances: make(map[instanceKey]models.InstanceRecord)}}
}

func (s *Store) RunTransaction(ctx context.Context, label string, fn func(ctx context.Context, tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: store closed (%s)", storage.ErrTransient, label)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", storage.ErrTransient, label, err)
	}

	work := s.data.clone()
	if err := fn(ctx, &tx{state: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type tx struct {
	state *state
}

func (t *tx) Instances() storage.InstanceTable { return instanceTable{t.state} }
func (t *tx) Owner() storage.OwnerTable        { return ownerTable{t.state} }

type instanceTable struct{ state *state }

func (t instanceTable) Put(_ context.Context, rec models.InstanceRecord) error {
	t.state.instances[instanceKey{rec.OwnerUserID, rec.InstanceID}] = rec
	return nil
}

func (t instanceTable) All(_ context.Context) ([]models.InstanceRecord, error) {
	out := make([]models.InstanceRecord, 0, len(t.state.instances))
	for _, rec := range t.state.instances {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OwnerUserID != out[j].OwnerUserID {
			return out[i].OwnerUserID < out[j].OwnerUserID
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out, nil
}

type ownerTable struct{ state *state }

func (t ownerTable) Get(_ context.Context) (*models.OwnerLease, error) {
	if t.state.owner == nil {
		return nil, nil
	}
	lease := *t.state.owner
	return &lease, nil
}

func (t ownerTable) Put(_ context.Context, lease models.OwnerLease) error {
	lease.Key = models.OwnerLeaseKey
	t.state.owner = &lease
	return nil
}

func (t ownerTable) Delete(_ context.Context) error {
	t.state.owner = nil
	return nil
}
