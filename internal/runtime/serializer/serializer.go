// Package serializer encodes messages and saga state. Structs go through
// sonic, protobuf messages through protojson. A kind registry rebuilds the
// concrete type of a payload read from a heterogeneous stream.
package serializer

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"sync"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
)

var defaultConfig = sonic.ConfigStd

var protoUnmarshal = protojson.UnmarshalOptions{DiscardUnknown: true}

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}

// Serializer turns values into bytes and back. Deserialize must rebuild the
// concrete type registered for kind.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, kind string) (any, error)
}

// KindSerializer is the default Serializer.
type KindSerializer struct {
	mu         sync.RWMutex
	prototypes map[string]func() any
}

var _ Serializer = (*KindSerializer)(nil)

// New returns an empty KindSerializer.
func New() *KindSerializer {
	return &KindSerializer{prototypes: make(map[string]func() any)}
}

// Register maps kind to a constructor of fresh pointer values.
func (s *KindSerializer) Register(kind string, factory func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prototypes[kind] = factory
}

// Known reports whether kind was registered.
func (s *KindSerializer) Known(kind string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.prototypes[kind]
	return ok
}

// TypeOf returns the Go type built for kind.
func (s *KindSerializer) TypeOf(kind string) (reflect.Type, bool) {
	s.mu.RLock()
	factory, ok := s.prototypes[kind]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return reflect.TypeOf(factory()), true
}

// Kinds lists the registered kinds in sorted order.
func (s *KindSerializer) Kinds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.prototypes))
	for kind := range s.prototypes {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}

// Serialize implements Serializer.
func (s *KindSerializer) Serialize(v any) ([]byte, error) {
	if pm, ok := v.(proto.Message); ok {
		return protojson.Marshal(pm)
	}
	return Marshal(v)
}

// Deserialize implements Serializer.
func (s *KindSerializer) Deserialize(data []byte, kind string) (any, error) {
	s.mu.RLock()
	factory, ok := s.prototypes[kind]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrUnknownMessageKind, kind)
	}

	v := factory()
	if err := DecodeInto(data, v); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeInto fills target, which must be a pointer.
func DecodeInto(data []byte, target any) error {
	if pm, ok := target.(proto.Message); ok {
		return protoUnmarshal.Unmarshal(data, pm)
	}
	return Unmarshal(data, target)
}
