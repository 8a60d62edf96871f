package gojta

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// 注解风格的事务属性名
const (
	AttributeName        = "name"
	AttributePropagation = "propagation"
	AttributeIsolation   = "isolation"
	AttributeTimeout     = "timeout"
	AttributeReadOnly    = "readOnly"
)

// DefinitionFromAttributes 由属性表构造 Definition，缺省项取 DefaultDefinition 的值。
// timeout 为整数时按秒解释，也接受 "30s" 这类 duration 字符串
func DefinitionFromAttributes(attributes map[string]interface{}) (Definition, error) {
	definition := DefaultDefinition()

	if v, ok := attributes[AttributeName]; ok {
		name, err := cast.ToStringE(v)
		if err != nil {
			return Definition{}, fmt.Errorf("invalid %s attribute: %w", AttributeName, err)
		}
		definition.Name = name
	}

	if v, ok := attributes[AttributePropagation]; ok {
		propagation, err := ParsePropagation(cast.ToString(v))
		if err != nil {
			return Definition{}, err
		}
		definition.Propagation = propagation
	}

	if v, ok := attributes[AttributeIsolation]; ok {
		isolation, err := ParseIsolation(cast.ToString(v))
		if err != nil {
			return Definition{}, err
		}
		definition.Isolation = isolation
	}

	if v, ok := attributes[AttributeTimeout]; ok {
		timeout, err := parseTimeout(v)
		if err != nil {
			return Definition{}, err
		}
		definition.Timeout = timeout
	}

	if v, ok := attributes[AttributeReadOnly]; ok {
		readOnly, err := cast.ToBoolE(v)
		if err != nil {
			return Definition{}, fmt.Errorf("invalid %s attribute: %w", AttributeReadOnly, err)
		}
		definition.ReadOnly = readOnly
	}

	return definition, nil
}

func parseTimeout(v interface{}) (time.Duration, error) {
	switch t := v.(type) {
	case time.Duration:
		return t, nil
	case string:
		if seconds, err := cast.ToInt64E(t); err == nil {
			return time.Duration(seconds) * time.Second, nil
		}
		timeout, err := cast.ToDurationE(t)
		if err != nil {
			return 0, fmt.Errorf("invalid %s attribute: %w", AttributeTimeout, err)
		}
		return timeout, nil
	default:
		seconds, err := cast.ToInt64E(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s attribute: %w", AttributeTimeout, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
}

// ParsePropagation 不区分大小写，接受 REQUIRES_NEW / requires-new / RequiresNew 等写法
func ParsePropagation(name string) (Propagation, error) {
	normalized := normalizeName(name)
	for propagation, candidate := range propagationNames {
		if normalizeName(candidate) == normalized {
			return propagation, nil
		}
	}
	return 0, fmt.Errorf("unknown propagation: %q", name)
}

func ParseIsolation(name string) (Isolation, error) {
	normalized := normalizeName(name)
	for isolation, candidate := range isolationNames {
		if normalizeName(candidate) == normalized {
			return isolation, nil
		}
	}
	return 0, fmt.Errorf("unknown isolation: %q", name)
}

func normalizeName(name string) string {
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToUpper(strings.TrimSpace(name)))
}
