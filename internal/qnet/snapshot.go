// internal/qnet/snapshot.go
package qnet

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"gonum.org/v1/gonum/mat"
)

const snapshotVersion = 1

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// snapshot is the persisted form of a network. Matrices use gonum's binary
// encoding, carried as base64 by the JSON encoder.
type snapshot struct {
	Version       int               `json:"version"`
	Actions       int               `json:"actions"`
	Hidden        int               `json:"hidden"`
	FeatureHidden int               `json:"feature_hidden"`
	Params        map[string][]byte `json:"params"`
}

// Snapshot serializes the network parameters.
func (n *Network) Snapshot() ([]byte, error) {
	s := snapshot{
		Version:       snapshotVersion,
		Actions:       n.cfg.Actions,
		Hidden:        n.cfg.Hidden,
		FeatureHidden: n.cfg.FeatureHidden,
		Params:        make(map[string][]byte, 2*len(n.layers)),
	}
	for name, m := range n.params() {
		b, err := m.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", name, err)
		}
		s.Params[name] = b
	}
	return json.Marshal(s)
}

// Restore loads parameters written by Snapshot. The snapshot must describe a
// network of the same shape.
func (n *Network) Restore(data []byte) error {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if s.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	if s.Actions != n.cfg.Actions || s.Hidden != n.cfg.Hidden || s.FeatureHidden != n.cfg.FeatureHidden {
		return fmt.Errorf("snapshot shape (actions=%d hidden=%d feature_hidden=%d) does not match network (actions=%d hidden=%d feature_hidden=%d)",
			s.Actions, s.Hidden, s.FeatureHidden, n.cfg.Actions, n.cfg.Hidden, n.cfg.FeatureHidden)
	}

	weights := make(map[string]*mat.Dense, len(s.Params))
	for name, b := range s.Params {
		var m mat.Dense
		if err := m.UnmarshalBinary(b); err != nil {
			return fmt.Errorf("failed to decode %s: %w", name, err)
		}
		weights[name] = &m
	}
	return n.SetWeights(weights)
}
