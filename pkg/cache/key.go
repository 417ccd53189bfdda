// Cache keys are content hashes over a versioned key struct:
//
//	{version: 1, namespace: <string>, op: <operation kind>, query: <canonical query>, args: [<typed arguments>]}
//
// The key struct is a protobuf Struct marshaled deterministically (map keys sorted), then hashed with xxhash. The
// operation kind is part of it, so a count and a find over the same query land on separate entries. Bump
// KeyFormatVersion whenever its layout changes.

package cache

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/nobletooth/querycache/pkg/query"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const KeyFormatVersion = 1

// ErrUnhashable is returned when a key can't be computed; callers skip caching for that call.
var ErrUnhashable = errors.New("cache key cannot be computed")

// Descriptor is a query that can be hashed: it names its namespace and serializes itself canonically.
type Descriptor interface {
	Namespace() string
	Canonical() (*structpb.Struct, error)
}

// keyStruct builds the structure that gets hashed.
func keyStruct(desc Descriptor, op string, args []any) (*structpb.Struct, error) {
	if desc == nil {
		return nil, fmt.Errorf("%w: nil query descriptor", ErrUnhashable)
	}
	if op == "" {
		return nil, fmt.Errorf("%w: empty operation kind", ErrUnhashable)
	}
	canonicalQuery, err := desc.Canonical()
	if err != nil {
		return nil, fmt.Errorf("%w: canonical query: %w", ErrUnhashable, err)
	}
	argValues := make([]*structpb.Value, len(args))
	for i, arg := range args {
		argValue, err := query.ToValue(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d of %s: %w", ErrUnhashable, i, op, err)
		}
		argValues[i] = argValue
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"version":   structpb.NewNumberValue(KeyFormatVersion),
		"namespace": structpb.NewStringValue(desc.Namespace()),
		"op":        structpb.NewStringValue(op),
		"query":     structpb.NewStructValue(canonicalQuery),
		"args":      structpb.NewListValue(&structpb.ListValue{Values: argValues}),
	}}, nil
}

// GenerateKey hashes (namespace, op, canonical query, args) into a cache key.
func GenerateKey(desc Descriptor, op string, args ...any) (string, error) {
	keyFields, err := keyStruct(desc, op, args)
	if err != nil {
		return "", err
	}
	encoded, err := proto.MarshalOptions{Deterministic: true}.Marshal(keyFields)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnhashable, err)
	}
	return fmt.Sprintf("v%d:%016x", KeyFormatVersion, xxhash.Sum64(encoded)), nil
}
