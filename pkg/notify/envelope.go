package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"leasecast/pkg/models"
)

// Kind discriminates the payload of an envelope.
type Kind string

const (
	KindInstance Kind = "instance"
	KindMutation Kind = "mutation"
	KindTarget   Kind = "target"
)

var errMalformed = errors.New("malformed envelope")

// Header precedes every payload on the medium.
type Header struct {
	Kind       Kind   `json:"kind"`
	Origin     string `json:"origin"`
	UpdateTime int64  `json:"update_time"`
}

type instanceEnvelope struct {
	Header
	models.InstanceRow
}

type mutationEnvelope struct {
	Header
	models.MutationStatusEvent
}

type targetEnvelope struct {
	Header
	models.WatchStatusEvent
}

// message is a decoded envelope. Exactly one payload is set, matching Kind.
type message struct {
	Header
	instance *models.InstanceRow
	mutation *models.MutationStatusEvent
	target   *models.WatchStatusEvent
}

func encodeInstance(origin string, row models.InstanceRow) (string, error) {
	if row.PendingBatches == nil {
		row.PendingBatches = []models.BatchID{}
	}
	if row.ActiveTargets == nil {
		row.ActiveTargets = []models.TargetID{}
	}
	return marshal(instanceEnvelope{
		Header:      header(KindInstance, origin, row.UpdateTime),
		InstanceRow: row,
	})
}

func encodeMutation(origin string, ev models.MutationStatusEvent) (string, error) {
	return marshal(mutationEnvelope{
		Header:              header(KindMutation, origin, ev.UpdateTime),
		MutationStatusEvent: ev,
	})
}

func encodeTarget(origin string, ev models.WatchStatusEvent) (string, error) {
	return marshal(targetEnvelope{
		Header:           header(KindTarget, origin, ev.UpdateTime),
		WatchStatusEvent: ev,
	})
}

func header(kind Kind, origin string, at time.Time) Header {
	return Header{Kind: kind, Origin: origin, UpdateTime: at.UnixMilli()}
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}
	return string(data), nil
}

func decode(value string) (message, error) {
	data := []byte(value)
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return message{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if h.Origin == "" {
		return message{}, fmt.Errorf("%w: missing origin", errMalformed)
	}
	at := time.UnixMilli(h.UpdateTime)
	msg := message{Header: h}

	switch h.Kind {
	case KindInstance:
		var env instanceEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return message{}, fmt.Errorf("%w: %v", errMalformed, err)
		}
		if env.InstanceID == "" {
			return message{}, fmt.Errorf("%w: missing instance id", errMalformed)
		}
		row := env.InstanceRow
		row.UpdateTime = at
		msg.instance = &row
	case KindMutation:
		var env mutationEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return message{}, fmt.Errorf("%w: %v", errMalformed, err)
		}
		if !env.Status.Valid() {
			return message{}, fmt.Errorf("%w: mutation status %q", errMalformed, env.Status)
		}
		ev := env.MutationStatusEvent
		ev.UpdateTime = at
		msg.mutation = &ev
	case KindTarget:
		var env targetEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return message{}, fmt.Errorf("%w: %v", errMalformed, err)
		}
		if !env.Status.Valid() {
			return message{}, fmt.Errorf("%w: watch status %q", errMalformed, env.Status)
		}
		ev := env.WatchStatusEvent
		ev.UpdateTime = at
		msg.target = &ev
	default:
		return message{}, fmt.Errorf("%w: unknown kind %q", errMalformed, h.Kind)
	}
	return msg, nil
}
