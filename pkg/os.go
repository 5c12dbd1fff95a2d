package pkg

import (
	"errors"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// GetenvOrDefault encapsulates built-in os.Getenv behavior but returns
// defaultValue when the key is absent or blank.
func GetenvOrDefault(key string, defaultValue string) string {
	str := os.Getenv(key)
	if strings.TrimSpace(str) == "" {
		return defaultValue
	}

	return str
}

// GetenvBoolOrDefault returns os.Getenv(key) parsed as bool, or defaultValue
// when the variable is unset or unparsable.
func GetenvBoolOrDefault(key string, defaultValue bool) bool {
	val, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}

	return val
}

// GetenvIntOrDefault returns os.Getenv(key) parsed as int64, or defaultValue
// when the variable is unset or unparsable.
func GetenvIntOrDefault(key string, defaultValue int64) int64 {
	val, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil {
		return defaultValue
	}

	return val
}

// GetenvFloatOrDefault returns os.Getenv(key) parsed as float64, or
// defaultValue when the variable is unset or unparsable.
func GetenvFloatOrDefault(key string, defaultValue float64) float64 {
	val, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}

	return val
}

// SetConfigFromEnvVars builds a struct by setting its field values using the
// "env" tag.
// Constraints: s any - must be an initialized pointer
// Supported types: String, Boolean, Int, Int8, Int16, Int32 and Int64.
func SetConfigFromEnvVars(s any) error {
	v := reflect.ValueOf(s)

	t := v.Type()
	if t.Kind() != reflect.Ptr {
		return errors.New("s must be a pointer")
	}

	e := t.Elem()
	for i := 0; i < e.NumField(); i++ {
		f := e.Field(i)
		if tag, ok := f.Tag.Lookup("env"); ok {
			values := strings.Split(tag, ",")
			if len(values) > 0 {
				fv := v.Elem().FieldByName(f.Name)
				if fv.CanSet() {
					switch k := fv.Kind(); k {
					case reflect.Bool:
						fv.SetBool(GetenvBoolOrDefault(values[0], false))
					case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
						fv.SetInt(GetenvIntOrDefault(values[0], 0))
					default:
						fv.SetString(os.Getenv(values[0]))
					}
				}
			}
		}
	}

	return nil
}
