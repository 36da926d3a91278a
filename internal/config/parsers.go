package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// normalizeKey folds a settings key to the form viper hands back:
// lowercase with underscores.
func normalizeKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), "-", "_")
}

// lookupSetting returns the first of candidates present in settings. Keys
// are compared after normalizeKey, so "probe-timeout" finds "probe_timeout".
func lookupSetting(settings map[string]interface{}, candidates ...string) (interface{}, bool) {
	for _, key := range candidates {
		if val, ok := settings[key]; ok {
			return val, true
		}
		if val, ok := settings[normalizeKey(key)]; ok {
			return val, true
		}
	}
	return nil, false
}

// asString handles ids, transport names, URLs and log settings.
func asString(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(v), nil
	case []byte:
		return strings.TrimSpace(string(v)), nil
	case fmt.Stringer:
		return v.String(), nil
	case bool, int, int64, uint64, float64:
		return fmt.Sprint(v), nil
	default:
		return "", fmt.Errorf("expected a string, got %T", value)
	}
}

// asInt handles session counts, pool sizes and worker counts. Fractional
// values are rejected rather than truncated.
func asInt(value interface{}) (int, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case uint64:
		if v > math.MaxInt {
			return 0, fmt.Errorf("value %d out of range", v)
		}
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("expected a whole number, got %g", v)
		}
		return int(v), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, nil
		}
		return strconv.Atoi(s)
	default:
		return 0, fmt.Errorf("expected a whole number, got %T", value)
	}
}

// asFloat64 handles probe and connect rates in events per second, which may
// be fractional, and the 0..1 loopback and sampling fractions. A trailing
// "/s" is accepted on strings, so "0.5/s" reads as half a probe per second.
func asFloat64(value interface{}) (float64, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case string:
		s := strings.TrimSuffix(strings.TrimSpace(v), "/s")
		if s == "" {
			return 0, nil
		}
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	default:
		return 0, fmt.Errorf("expected a number, got %T", value)
	}
}

func asBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return false, nil
		}
		return strconv.ParseBool(s)
	default:
		return false, fmt.Errorf("expected true or false, got %T", value)
	}
}

// asDuration parses Go duration strings ("250ms", "1m"). Bare numbers are
// read in unit: run lengths are given in seconds, timeouts, intervals and
// loopback delays in milliseconds.
func asDuration(value interface{}, unit time.Duration) (time.Duration, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return scaleDuration(f, unit), nil
		}
		return time.ParseDuration(s)
	case int, int32, int64, uint64, float32, float64:
		f, err := asFloat64(v)
		if err != nil {
			return 0, err
		}
		return scaleDuration(f, unit), nil
	default:
		return 0, fmt.Errorf("expected a duration, got %T", value)
	}
}

func scaleDuration(f float64, unit time.Duration) time.Duration {
	return time.Duration(math.Round(f * float64(unit)))
}

// asStringMap reads websocket headers and gRPC metadata. Keys are kept as
// written.
func asStringMap(value interface{}) (map[string]string, error) {
	result := map[string]string{}
	put := func(key, raw interface{}) error {
		k, err := asString(key)
		if err != nil {
			return err
		}
		if k == "" {
			return fmt.Errorf("empty key")
		}
		v, err := asString(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		result[k] = v
		return nil
	}
	switch v := value.(type) {
	case nil:
		return nil, nil
	case map[string]string:
		for k, val := range v {
			if err := put(k, val); err != nil {
				return nil, err
			}
		}
	case map[string]interface{}:
		for k, val := range v {
			if err := put(k, val); err != nil {
				return nil, err
			}
		}
	case map[interface{}]interface{}:
		for k, val := range v {
			if err := put(k, val); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("expected key/value pairs, got %T", value)
	}
	return result, nil
}

// asStringSlice reads the threshold list; a single string is one entry.
func asStringSlice(value interface{}) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case string:
		return []string{v}, nil
	case []interface{}:
		result := make([]string, len(v))
		for i, item := range v {
			str, err := asString(item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			result[i] = str
		}
		return result, nil
	default:
		return nil, fmt.Errorf("expected a list, got %T", value)
	}
}

// toStringKeyMap reads a nested section (loopback, websocket, grpc,
// tracing) with its keys normalized.
func toStringKeyMap(value interface{}) (map[string]interface{}, error) {
	result := map[string]interface{}{}
	switch v := value.(type) {
	case map[string]interface{}:
		for key, val := range v {
			result[normalizeKey(key)] = val
		}
	case map[interface{}]interface{}:
		for key, val := range v {
			str, err := asString(key)
			if err != nil {
				return nil, err
			}
			result[normalizeKey(str)] = val
		}
	default:
		return nil, fmt.Errorf("expected a section, got %T", value)
	}
	return result, nil
}
