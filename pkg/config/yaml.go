package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Flags that configure the process itself; they have no entry in the config file.
var skippedConfigFlags = []string{"print_version", "config_file"}

// ParseConfig decodes a YAML config file. Unknown keys are rejected and an empty file yields an empty config.
func ParseConfig(reader io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	conf := new(Config)
	if err := decoder.Decode(conf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return conf, nil
}

// configValueToString converts a config leaf to the textual form its flag parses.
func configValueToString(v reflect.Value) (string, error) {
	if duration, isDuration := v.Interface().(time.Duration); isDuration {
		return duration.String(), nil
	}
	switch v.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(v.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(v.Uint(), 10), nil
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64), nil
	case reflect.String:
		return v.String(), nil
	default:
		return "", fmt.Errorf("unsupported kind: %v", v.Kind())
	}
}

// ApplyConfig sets the flag of every leaf present in the config. Nested sections are walked recursively.
func ApplyConfig(conf *Config) error {
	if conf == nil {
		return nil
	}
	return setConfigFlags(reflect.ValueOf(conf).Elem())
}

func setConfigFlags(section reflect.Value) error {
	sectionType := section.Type()
	for fieldIdx := range sectionType.NumField() {
		field := sectionType.Field(fieldIdx)
		fieldValue := section.Field(fieldIdx)
		flagName, hasFlagName := field.Tag.Lookup("flag")
		if !hasFlagName {
			if field.Type.Kind() != reflect.Struct {
				return fmt.Errorf("config field %s.%s has no flag name", sectionType.Name(), field.Name)
			}
			if err := setConfigFlags(fieldValue); err != nil {
				return err
			}
			continue
		}
		if fieldValue.Kind() != reflect.Pointer {
			return fmt.Errorf("config field %s.%s must be a pointer", sectionType.Name(), field.Name)
		}
		if fieldValue.IsNil() { // Missing from the file.
			continue
		}
		stringValue, err := configValueToString(fieldValue.Elem())
		if err != nil {
			return fmt.Errorf("failed to convert %s.%s: %w", sectionType.Name(), field.Name, err)
		}
		if err := flag.Set(flagName, stringValue); err != nil {
			return fmt.Errorf("failed to set flag %s: %w", flagName, err)
		}
	}
	return nil
}

// getDefinedFlags returns the set of flags named inside the given config schema.
func getDefinedFlags(schema reflect.Type) (map[ /*flagName*/ string]struct{}, error) {
	flagSet := make(map[ /*flagName*/ string]struct{})
	var walkFields func(section reflect.Type) error
	walkFields = func(section reflect.Type) error {
		for fieldIdx := range section.NumField() {
			field := section.Field(fieldIdx)
			if flagName, hasFlagName := field.Tag.Lookup("flag"); hasFlagName && flagName != "" {
				if _, exists := flagSet[flagName]; exists {
					return fmt.Errorf("duplicate flag name '%s' in config: %s.%s", flagName, section.Name(), field.Name)
				}
				flagSet[flagName] = struct{}{}
				continue
			}
			if field.Type.Kind() == reflect.Struct {
				if err := walkFields(field.Type); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walkFields(schema); err != nil {
		return nil, err
	}
	return flagSet, nil
}

// CollectUnregisteredFlags collects all flags that can't be set from the config file.
// An error exists in the results corresponding to each unregistered flag.
func CollectUnregisteredFlags() []error {
	definedFlags, err := getDefinedFlags(reflect.TypeFor[Config]())
	if err != nil {
		return []error{err}
	}
	errs := make([]error, 0)
	flag.VisitAll(func(f *flag.Flag) {
		if strings.HasPrefix(f.Name, "test.") { // Skip test flags.
			return
		}
		if slices.Contains(skippedConfigFlags, f.Name) {
			return
		}
		if _, flagHasConfigEntry := definedFlags[f.Name]; !flagHasConfigEntry {
			errs = append(errs, fmt.Errorf("flag '%s' has not been defined in the config schema", f.Name))
		}
	})
	return errs
}
