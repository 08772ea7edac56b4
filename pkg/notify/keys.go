package notify

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"leasecast/pkg/models"
)

// ErrInvalidKeyComponent is returned when an identifier used to build keys
// is empty or contains the key separator.
var ErrInvalidKeyComponent = errors.New("invalid key component")

const (
	tagVisibility = "visibility"
	tagMutations  = "mutations"
	tagTargets    = "targets"
)

// keyspace builds and parses the medium keys of one partition:
//
//	<prefix>_visibility_<persistenceKey>_<instanceID>
//	<prefix>_mutations_<persistenceKey>_<userID>_<batchID>
//	<prefix>_targets_<persistenceKey>_<targetID>
type keyspace struct {
	prefix         string
	sep            string
	persistenceKey string
	userID         string
}

func newKeyspace(prefix, sep, persistenceKey, userID string) (keyspace, error) {
	if sep == "" {
		return keyspace{}, fmt.Errorf("%w: empty separator", ErrInvalidKeyComponent)
	}
	k := keyspace{prefix: prefix, sep: sep, persistenceKey: persistenceKey, userID: userID}
	for name, v := range map[string]string{"prefix": prefix, "persistence key": persistenceKey, "user id": userID} {
		if err := k.checkComponent(name, v); err != nil {
			return keyspace{}, err
		}
	}
	return k, nil
}

func (k keyspace) checkComponent(name, v string) error {
	if v == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidKeyComponent, name)
	}
	if strings.Contains(v, k.sep) {
		return fmt.Errorf("%w: %s %q contains %q", ErrInvalidKeyComponent, name, v, k.sep)
	}
	return nil
}

func (k keyspace) build(elements ...string) string {
	return k.prefix + k.sep + strings.Join(elements, k.sep)
}

// root is the prefix shared by every key of the channel.
func (k keyspace) root() string {
	return k.prefix + k.sep
}

func (k keyspace) instanceKey(instanceID string) string {
	return k.build(tagVisibility, k.persistenceKey, instanceID)
}

func (k keyspace) mutationKey(id models.BatchID) string {
	return k.build(tagMutations, k.persistenceKey, k.userID, strconv.FormatInt(int64(id), 10))
}

func (k keyspace) targetKey(id models.TargetID) string {
	return k.build(tagTargets, k.persistenceKey, strconv.FormatInt(int64(id), 10))
}

type parsedKey struct {
	kind       Kind
	instanceID string
	batchID    models.BatchID
	targetID   models.TargetID
}

// parse recognizes keys of this partition only. Keys of other
// persistence keys or users, and unknown tags, are rejected.
func (k keyspace) parse(key string) (parsedKey, bool) {
	rest, ok := strings.CutPrefix(key, k.root())
	if !ok {
		return parsedKey{}, false
	}
	parts := strings.Split(rest, k.sep)
	if len(parts) < 3 || parts[len(parts)-1] == "" || parts[1] != k.persistenceKey {
		return parsedKey{}, false
	}

	switch parts[0] {
	case tagVisibility:
		if len(parts) != 3 {
			return parsedKey{}, false
		}
		return parsedKey{kind: KindInstance, instanceID: parts[2]}, true
	case tagMutations:
		if len(parts) != 4 || parts[2] != k.userID {
			return parsedKey{}, false
		}
		id, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return parsedKey{}, false
		}
		return parsedKey{kind: KindMutation, batchID: models.BatchID(id)}, true
	case tagTargets:
		if len(parts) != 3 {
			return parsedKey{}, false
		}
		id, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return parsedKey{}, false
		}
		return parsedKey{kind: KindTarget, targetID: models.TargetID(id)}, true
	}
	return parsedKey{}, false
}
