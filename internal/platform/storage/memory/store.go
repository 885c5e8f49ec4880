// Package memory is an in-process implementation of the engine's
// persistence boundary, used for local runs and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marko911/bridge-pulse/internal/bridge"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

var _ bridge.Store = (*Store)(nil)

// Store keeps operations, proofs and listener rows in maps. Lookups that
// find nothing return nil, nil.
type Store struct {
	mu         sync.RWMutex
	ops        map[string]*protov1.BridgeOperation
	byMessage  map[string]string
	proofs     map[string][]protov1.VerificationProof // by operation id
	proofOwner map[string]string
	listeners  map[protov1.ListenerKey]protov1.ListenerConfig
}

func New() *Store {
	return &Store{
		ops:        make(map[string]*protov1.BridgeOperation),
		byMessage:  make(map[string]string),
		proofs:     make(map[string][]protov1.VerificationProof),
		proofOwner: make(map[string]string),
		listeners:  make(map[protov1.ListenerKey]protov1.ListenerConfig),
	}
}

// withProofs returns a copy of op carrying its stored proofs. Callers hold mu.
func (s *Store) withProofs(op *protov1.BridgeOperation) *protov1.BridgeOperation {
	out := op.Clone()
	stored := s.proofs[op.ID]
	out.Proofs = make([]protov1.VerificationProof, len(stored))
	for i, p := range stored {
		out.Proofs[i] = p.Clone()
	}
	return out
}

func (s *Store) GetBridgeOperation(ctx context.Context, id string) (*protov1.BridgeOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, nil
	}
	return s.withProofs(op), nil
}

func (s *Store) FindBridgeOperationByMessageID(ctx context.Context, messageID string) (*protov1.BridgeOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byMessage[strings.ToLower(messageID)]
	if !ok {
		return nil, nil
	}
	return s.withProofs(s.ops[id]), nil
}

// FindPendingOperation returns the oldest unclaimed PENDING operation
// matching m.
func (s *Store) FindPendingOperation(ctx context.Context, m protov1.OperationMatch) (*protov1.BridgeOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *protov1.BridgeOperation
	for _, op := range s.ops {
		if op.Status != protov1.BridgeStatusPending || op.MessageID != "" {
			continue
		}
		if op.NFTReference != m.NFTReference || op.SourceChain != m.SourceChain || op.DestinationChain != m.DestinationChain {
			continue
		}
		if !strings.EqualFold(op.SourceAddress, m.SourceAddress) {
			continue
		}
		if best == nil || op.CreatedAt.Before(best.CreatedAt) {
			best = op
		}
	}
	if best == nil {
		return nil, nil
	}
	return s.withProofs(best), nil
}

func (s *Store) ListBridgeOperations(ctx context.Context, f protov1.OperationFilter) ([]*protov1.BridgeOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*protov1.BridgeOperation
	for _, op := range s.ops {
		if f.Matches(op) {
			out = append(out, s.withProofs(op))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) FindOperationIDByProof(ctx context.Context, proofID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proofOwner[proofID], nil
}

// ListStaleOperations returns IN_PROGRESS operations that entered
// IN_PROGRESS before cutoff, oldest first.
func (s *Store) ListStaleOperations(ctx context.Context, cutoff time.Time, limit int) ([]*protov1.BridgeOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*protov1.BridgeOperation
	for _, op := range s.ops {
		if op.Status != protov1.BridgeStatusInProgress || op.InProgressAt == nil {
			continue
		}
		if op.InProgressAt.Before(cutoff) {
			out = append(out, s.withProofs(op))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InProgressAt.Before(*out[j].InProgressAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type pendingWrite struct {
	ops    []*protov1.BridgeOperation
	proofs []protov1.VerificationProof
}

func (w *pendingWrite) UpsertBridgeOperation(ctx context.Context, op *protov1.BridgeOperation) error {
	w.ops = append(w.ops, op.Clone())
	return nil
}

func (w *pendingWrite) AppendVerificationProof(ctx context.Context, proof *protov1.VerificationProof) error {
	w.proofs = append(w.proofs, proof.Clone())
	return nil
}

// Atomically stages the writes fn makes and applies them together if fn
// succeeds.
func (s *Store) Atomically(ctx context.Context, fn func(w bridge.Writer) error) error {
	w := &pendingWrite{}
	if err := fn(w); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range w.ops {
		op.Proofs = nil
		s.ops[op.ID] = op
		if op.MessageID != "" {
			s.byMessage[strings.ToLower(op.MessageID)] = op.ID
		}
	}
	for _, p := range w.proofs {
		s.upsertProof(p)
	}
	return nil
}

func (s *Store) upsertProof(p protov1.VerificationProof) {
	list := s.proofs[p.BridgeOperationID]
	for i := range list {
		if list[i].ID == p.ID {
			list[i] = p
			return
		}
	}
	s.proofs[p.BridgeOperationID] = append(list, p)
	s.proofOwner[p.ID] = p.BridgeOperationID
}

// LoadListenerConfigs returns the active listener rows.
func (s *Store) LoadListenerConfigs(ctx context.Context) ([]protov1.ListenerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []protov1.ListenerConfig
	for _, cfg := range s.listeners {
		if cfg.Active {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

// RegisterListener inserts or reactivates a listener row. An existing row
// keeps its checkpoint when cfg carries none.
func (s *Store) RegisterListener(ctx context.Context, cfg protov1.ListenerConfig) (protov1.ListenerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cfg.Key()
	cfg.ListenerKey = key
	if existing, ok := s.listeners[key]; ok && cfg.LastProcessedPosition == 0 {
		cfg.LastProcessedPosition = existing.LastProcessedPosition
	}
	cfg.Active = true
	s.listeners[key] = cfg
	return cfg, nil
}

func (s *Store) SaveListenerCheckpoint(ctx context.Context, key protov1.ListenerKey, position uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.listeners[key]
	if !ok {
		cfg = protov1.ListenerConfig{ListenerKey: key}
	}
	cfg.LastProcessedPosition = position
	s.listeners[key] = cfg
	return nil
}

func (s *Store) SetListenerActive(ctx context.Context, key protov1.ListenerKey, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg, ok := s.listeners[key]; ok {
		cfg.Active = active
		s.listeners[key] = cfg
	}
	return nil
}

// Listener returns the stored row for key, for inspection.
func (s *Store) Listener(key protov1.ListenerKey) (protov1.ListenerConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.listeners[key]
	return cfg, ok
}

func (s *Store) Close() error { return nil }
