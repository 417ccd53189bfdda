// Querycache hashes queries and call arguments by their content, never by identity. This module turns arbitrary Go
// values into protobuf struct values so they can be serialized deterministically.

package query

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// ErrUnserializable is returned for values that have no content representation, e.g. functions or channels.
var ErrUnserializable = errors.New("value cannot be serialized")

// maxExactInt is the largest integer a float64 number value represents exactly.
const maxExactInt = 1 << 53

// Valuer is implemented by types that control their own canonical representation.
type Valuer interface {
	ToValue() (*structpb.Value, error)
}

// maxValueDepth bounds how deeply nested a value may be before it is rejected.
const maxValueDepth = 256

// ToValue converts `v` into its canonical protobuf representation. Two values with the same content always convert
// to equal protobuf values, regardless of how they were built. Maps, bytes, dates and other values that have no
// native protobuf kind are wrapped in a type tag, so user data never converts to the same value as a tagged one.
// Cyclic values are rejected with ErrUnserializable.
func ToValue(v any) (*structpb.Value, error) {
	return new(encoder).value(v)
}

// visit identifies a container on the current conversion path.
type visit struct {
	typ    reflect.Type
	ptr    uintptr
	length int
}

// encoder carries the conversion path through nested values.
type encoder struct {
	depth    int
	visiting map[visit]struct{}
}

// enter marks `rv` as being converted and returns the func that unmarks it. Entering a map, slice or pointer that is
// already on the path is a cycle.
func (e *encoder) enter(rv reflect.Value) (func(), error) {
	if e.depth >= maxValueDepth {
		return nil, fmt.Errorf("%w: nested deeper than %d levels", ErrUnserializable, maxValueDepth)
	}
	key := visit{typ: rv.Type()}
	switch rv.Kind() {
	case reflect.Map, reflect.Pointer:
		key.ptr = rv.Pointer()
	case reflect.Slice:
		key.ptr, key.length = rv.Pointer(), rv.Len()
	}
	if key.ptr != 0 {
		if _, onPath := e.visiting[key]; onPath {
			return nil, fmt.Errorf("%w: cyclic value of type %s", ErrUnserializable, rv.Type())
		}
		if e.visiting == nil {
			e.visiting = make(map[visit]struct{})
		}
		e.visiting[key] = struct{}{}
	}
	e.depth++
	return func() {
		e.depth--
		if key.ptr != 0 {
			delete(e.visiting, key)
		}
	}, nil
}

func (e *encoder) value(v any) (*structpb.Value, error) {
	switch typed := v.(type) {
	case nil:
		return structpb.NewNullValue(), nil
	case *structpb.Value:
		return typed, nil
	case Valuer:
		if rv := reflect.ValueOf(typed); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return structpb.NewNullValue(), nil
		}
		return typed.ToValue()
	case bool:
		return structpb.NewBoolValue(typed), nil
	case string:
		return structpb.NewStringValue(typed), nil
	case []byte:
		return typedValue("Bytes", structpb.NewStringValue(base64.StdEncoding.EncodeToString(typed))), nil
	case time.Time:
		return typedValue("Date", structpb.NewStringValue(typed.UTC().Format(time.RFC3339Nano))), nil
	case time.Duration:
		return typedValue("Duration", structpb.NewStringValue(typed.String())), nil
	case json.Number:
		return numberValue(typed)
	}
	return e.reflectValue(reflect.ValueOf(v))
}

// typedValue tags a value with its type, so e.g. a date never collides with a string holding the same text. Plain
// maps are tagged too, so every struct value in a canonical form comes from here.
func typedValue(typeName string, value *structpb.Value) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"__type": structpb.NewStringValue(typeName),
		"value":  value,
	}})
}

func intValue(i int64) *structpb.Value {
	if i > maxExactInt || i < -maxExactInt {
		return typedValue("Int64", structpb.NewStringValue(strconv.FormatInt(i, 10)))
	}
	return structpb.NewNumberValue(float64(i))
}

func uintValue(u uint64) *structpb.Value {
	if u > maxExactInt {
		return typedValue("Uint64", structpb.NewStringValue(strconv.FormatUint(u, 10)))
	}
	return structpb.NewNumberValue(float64(u))
}

func floatValue(f float64) (*structpb.Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return typedValue("Float", structpb.NewStringValue(strconv.FormatFloat(f, 'g', -1, 64))), nil
	}
	return structpb.NewNumberValue(f), nil
}

func numberValue(n json.Number) (*structpb.Value, error) {
	if i, err := n.Int64(); err == nil {
		return intValue(i), nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("%w: invalid number %q", ErrUnserializable, n.String())
	}
	return floatValue(f)
}

// reflectValue handles named and composite types that the type switch in value can't see.
func (e *encoder) reflectValue(rv reflect.Value) (*structpb.Value, error) {
	if !rv.IsValid() {
		return structpb.NewNullValue(), nil
	}
	if rv.CanInterface() {
		if valuer, ok := rv.Interface().(Valuer); ok {
			if rv.Kind() == reflect.Pointer && rv.IsNil() {
				return structpb.NewNullValue(), nil
			}
			return valuer.ToValue()
		}
	}
	switch rv.Kind() {
	case reflect.Bool:
		return structpb.NewBoolValue(rv.Bool()), nil
	case reflect.String:
		return structpb.NewStringValue(rv.String()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return intValue(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return uintValue(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return floatValue(rv.Float())
	case reflect.Interface:
		if rv.IsNil() {
			return structpb.NewNullValue(), nil
		}
		return e.reflectValue(rv.Elem())
	case reflect.Pointer:
		if rv.IsNil() {
			return structpb.NewNullValue(), nil
		}
		leave, err := e.enter(rv)
		if err != nil {
			return nil, err
		}
		defer leave()
		return e.reflectValue(rv.Elem())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return structpb.NewNullValue(), nil
		}
		leave, err := e.enter(rv)
		if err != nil {
			return nil, err
		}
		defer leave()
		values := make([]*structpb.Value, rv.Len())
		for i := range rv.Len() {
			converted, err := e.value(rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			values[i] = converted
		}
		return structpb.NewListValue(&structpb.ListValue{Values: values}), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map key type %s", ErrUnserializable, rv.Type().Key())
		}
		if rv.IsNil() {
			return structpb.NewNullValue(), nil
		}
		leave, err := e.enter(rv)
		if err != nil {
			return nil, err
		}
		defer leave()
		fields := make(map[string]*structpb.Value, rv.Len())
		for entry := rv.MapRange(); entry.Next(); {
			key := entry.Key().String()
			converted, err := e.value(entry.Value().Interface())
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", key, err)
			}
			fields[key] = converted
		}
		return typedValue("Map", structpb.NewStructValue(&structpb.Struct{Fields: fields})), nil
	case reflect.Struct:
		// Structs go through their JSON form so field tags decide what is part of the content.
		encoded, err := json.Marshal(rv.Interface())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnserializable, err)
		}
		decoder := json.NewDecoder(bytes.NewReader(encoded))
		decoder.UseNumber()
		var generic any
		if err := decoder.Decode(&generic); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnserializable, err)
		}
		return e.value(generic)
	default: // Func, Chan, Complex, UnsafePointer.
		return nil, fmt.Errorf("%w: kind %s", ErrUnserializable, rv.Kind())
	}
}
