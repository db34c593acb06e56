package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override, e.g. MSD_DISCOVERY_SERVER_PORT
const EnvPrefix = "MSD"

var durationType = reflect.TypeOf(Duration(0))

// LoadEnv overrides scalar configuration fields from environment variables.
// Instance lists cannot be set from the environment.
func LoadEnv(cfg *Config) error {
	return loadEnvStruct(reflect.ValueOf(cfg).Elem(), EnvPrefix)
}

// loadEnvStruct recursively loads environment variables into a struct
func loadEnvStruct(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		yamlTag := fieldType.Tag.Get("yaml")
		if yamlTag == "" || yamlTag == "-" {
			continue
		}

		envName := strings.Split(yamlTag, ",")[0]
		envKey := fmt.Sprintf("%s_%s", prefix, strings.ToUpper(envName))

		if field.Type() == durationType {
			if val := os.Getenv(envKey); val != "" {
				d, err := time.ParseDuration(val)
				if err != nil {
					return fmt.Errorf("invalid duration value for %s: %v", envKey, err)
				}
				field.SetInt(int64(d))
			}
			continue
		}

		switch field.Kind() {
		case reflect.String:
			if val := os.Getenv(envKey); val != "" {
				field.SetString(val)
			}

		case reflect.Int, reflect.Int64:
			if val := os.Getenv(envKey); val != "" {
				intVal, err := strconv.ParseInt(val, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid int value for %s: %v", envKey, err)
				}
				field.SetInt(intVal)
			}

		case reflect.Float64:
			if val := os.Getenv(envKey); val != "" {
				floatVal, err := strconv.ParseFloat(val, 64)
				if err != nil {
					return fmt.Errorf("invalid float value for %s: %v", envKey, err)
				}
				field.SetFloat(floatVal)
			}

		case reflect.Bool:
			if val := os.Getenv(envKey); val != "" {
				boolVal, err := strconv.ParseBool(val)
				if err != nil {
					return fmt.Errorf("invalid bool value for %s: %v", envKey, err)
				}
				field.SetBool(boolVal)
			}

		case reflect.Struct:
			if err := loadEnvStruct(field, envKey); err != nil {
				return err
			}

		case reflect.Ptr:
			if field.Type().Elem().Kind() == reflect.Int {
				if val := os.Getenv(envKey); val != "" {
					intVal, err := strconv.Atoi(val)
					if err != nil {
						return fmt.Errorf("invalid int value for %s: %v", envKey, err)
					}
					field.Set(reflect.ValueOf(&intVal))
				}
				continue
			}
			if field.Type().Elem().Kind() != reflect.Struct {
				continue
			}
			if field.IsNil() {
				if !hasEnvVarsWithPrefix(envKey) {
					continue
				}
				field.Set(reflect.New(field.Type().Elem()))
			}
			if err := loadEnvStruct(field.Elem(), envKey); err != nil {
				return err
			}

		case reflect.Slice, reflect.Map:
			// Lists and maps stay file-only
			continue
		}
	}

	return nil
}

// hasEnvVarsWithPrefix checks if any environment variables exist with the given prefix
func hasEnvVarsWithPrefix(prefix string) bool {
	prefix = prefix + "_"
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, prefix) {
			return true
		}
	}
	return false
}

// EnvExample lists the environment variables that can override cfg
func EnvExample(cfg *Config) []string {
	var examples []string
	generateEnvExamples(reflect.TypeOf(cfg).Elem(), EnvPrefix, &examples)
	return examples
}

func generateEnvExamples(t reflect.Type, prefix string, examples *[]string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		yamlTag := field.Tag.Get("yaml")
		if yamlTag == "" || yamlTag == "-" {
			continue
		}

		envName := strings.Split(yamlTag, ",")[0]
		envKey := fmt.Sprintf("%s_%s", prefix, strings.ToUpper(envName))

		if field.Type == durationType {
			*examples = append(*examples, fmt.Sprintf("%s=30s", envKey))
			continue
		}

		switch field.Type.Kind() {
		case reflect.String:
			*examples = append(*examples, fmt.Sprintf("%s=value", envKey))
		case reflect.Int, reflect.Int64:
			*examples = append(*examples, fmt.Sprintf("%s=123", envKey))
		case reflect.Float64:
			*examples = append(*examples, fmt.Sprintf("%s=1.5", envKey))
		case reflect.Bool:
			*examples = append(*examples, fmt.Sprintf("%s=true", envKey))
		case reflect.Struct:
			generateEnvExamples(field.Type, envKey, examples)
		case reflect.Ptr:
			switch field.Type.Elem().Kind() {
			case reflect.Int:
				*examples = append(*examples, fmt.Sprintf("%s=123", envKey))
			case reflect.Struct:
				generateEnvExamples(field.Type.Elem(), envKey, examples)
			}
		}
	}
}
