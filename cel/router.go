package cel

import (
	"context"
	"fmt"

	"github.com/sharedcode/objectstore"
	"github.com/sharedcode/objectstore/encoding"
)

// Router evaluates the routing rule of an object's type and allocates or gets the named queue.
type Router struct {
	agent *objectstore.Agent
	rules map[objectstore.ObjectType]*Evaluator
}

// NewRouter compiles rules, keyed by object type. Queues are allocated in agent's name.
func NewRouter(agent *objectstore.Agent, rules map[string]string) (*Router, error) {
	r := &Router{
		agent: agent,
		rules: make(map[objectstore.ObjectType]*Evaluator, len(rules)),
	}
	for t, expr := range rules {
		e, err := NewEvaluator(t, expr)
		if err != nil {
			return nil, fmt.Errorf("routing rule for %s: %w", t, err)
		}
		r.rules[objectstore.ObjectType(t)] = e
	}
	return r, nil
}

// Route implements objectstore.Router.
func (r *Router) Route(ctx context.Context, rec objectstore.Record) (string, error) {
	e, ok := r.rules[rec.Type]
	if !ok {
		return "", objectstore.NewError(objectstore.Unroutable, rec.Address, "no routing rule for %s", rec.Type)
	}
	obj, err := toMap(rec)
	if err != nil {
		return "", err
	}
	name, err := e.Evaluate(obj)
	if err != nil {
		return "", objectstore.Error{Code: objectstore.Unroutable, Err: err, UserData: rec.Address}
	}
	if name == "" {
		return "", objectstore.NewError(objectstore.Unroutable, rec.Address, "rule %s yields no queue", e.Name)
	}
	return objectstore.AllocateOrGetFIFO(ctx, r.agent, name)
}

// toMap exposes the record to CEL. The payload goes through its json form so expressions
// use the same field names as the stored records.
func toMap(rec objectstore.Record) (map[string]any, error) {
	var payload map[string]any
	if rec.Payload != nil {
		ba, err := encoding.DefaultMarshaler.Marshal(rec.Payload)
		if err != nil {
			return nil, err
		}
		if err := encoding.DefaultMarshaler.Unmarshal(ba, &payload); err != nil {
			return nil, err
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"address":     rec.Address,
		"type":        string(rec.Type),
		"owner":       rec.Owner,
		"backupOwner": rec.BackupOwner,
		"payload":     payload,
	}, nil
}
