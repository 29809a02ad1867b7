package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// AnnotationStateStore persists replica state as a JSON annotation on an
// object in the operator's cluster (the owning Module), per the design
// rule that side-channel state must survive controller restarts.
//
// Reads and writes go through a freshly fetched copy: the held Object may
// be mid-reconcile with staged status, which a Get or Patch response would
// silently overwrite.
type AnnotationStateStore struct {
	Client client.Client
	Object client.Object
	Key    string
}

func (s *AnnotationStateStore) Load(ctx context.Context) (map[string]int32, error) {
	current, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	raw, ok := current.GetAnnotations()[s.Key]
	if !ok || raw == "" {
		return nil, nil
	}
	var state map[string]int32
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode replica state annotation: %w", err)
	}
	return state, nil
}

func (s *AnnotationStateStore) Save(ctx context.Context, state map[string]int32) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.patch(ctx, string(encoded), true)
}

func (s *AnnotationStateStore) Clear(ctx context.Context) error {
	return s.patch(ctx, "", false)
}

func (s *AnnotationStateStore) fetch(ctx context.Context) (client.Object, error) {
	current := s.Object.DeepCopyObject().(client.Object)
	key := types.NamespacedName{Namespace: s.Object.GetNamespace(), Name: s.Object.GetName()}
	if err := s.Client.Get(ctx, key, current); err != nil {
		return nil, err
	}
	return current, nil
}

func (s *AnnotationStateStore) patch(ctx context.Context, value string, set bool) error {
	current, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	before := current.DeepCopyObject().(client.Object)
	annotations := current.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	if set {
		annotations[s.Key] = value
	} else {
		delete(annotations, s.Key)
	}
	current.SetAnnotations(annotations)
	if err := s.Client.Patch(ctx, current, client.MergeFrom(before)); err != nil {
		return err
	}

	// Mirror the annotation onto the held object so the rest of the pass
	// sees the write without another read.
	held := s.Object.GetAnnotations()
	if held == nil {
		held = map[string]string{}
	}
	if set {
		held[s.Key] = value
	} else {
		delete(held, s.Key)
	}
	s.Object.SetAnnotations(held)
	return nil
}
