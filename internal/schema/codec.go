package schema

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"
)

// EncodeRow serializes canonical values, indexed by column, into the engine payload.
// Properties are keyed by name so rows survive property reordering across schema versions.
func EncodeRow(class ObjectSchema, values []any) ([]byte, error) {
	if len(values) != len(class.Properties) {
		return nil, fmt.Errorf("%w: %s expects %d values, got %d", ErrTypeMismatch, class.Name, len(class.Properties), len(values))
	}
	encoded := make(map[string]any, len(values))
	for column, property := range class.Properties {
		cell, err := encodeCell(property, values[column])
		if err != nil {
			return nil, err
		}
		encoded[property.Name] = cell
	}
	return json.Marshal(encoded)
}

// DecodeRow parses an engine payload into canonical values indexed by column. Properties
// missing from the payload take their default value.
func DecodeRow(class ObjectSchema, payload []byte) ([]any, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("schema: decode %s row: %w", class.Name, err)
	}
	values := make([]any, len(class.Properties))
	for column, property := range class.Properties {
		cell, ok := raw[property.Name]
		if !ok || string(cell) == "null" {
			values[column] = DefaultValue(property)
			continue
		}
		value, err := decodeCell(property, cell)
		if err != nil {
			return nil, fmt.Errorf("schema: decode %s.%s: %w", class.Name, property.Name, err)
		}
		values[column] = value
	}
	return values, nil
}

func encodeCell(property Property, value any) (any, error) {
	if value == nil {
		if !property.Nullable {
			return nil, fmt.Errorf("%w: %s", ErrNullNotAllowed, property.Name)
		}
		return nil, nil
	}
	switch property.Type {
	case TypeInt:
		if typed, ok := value.(int64); ok {
			return typed, nil
		}
	case TypeBool:
		if typed, ok := value.(bool); ok {
			return typed, nil
		}
	case TypeString:
		if typed, ok := value.(string); ok {
			return typed, nil
		}
	case TypeFloat:
		if typed, ok := value.(float32); ok {
			return strconv.FormatFloat(float64(typed), 'g', -1, 32), nil
		}
	case TypeDouble:
		if typed, ok := value.(float64); ok {
			return strconv.FormatFloat(typed, 'g', -1, 64), nil
		}
	case TypeDecimal:
		if typed, ok := value.(*big.Rat); ok && typed != nil {
			return typed.RatString(), nil
		}
	case TypeDate:
		if typed, ok := value.(time.Time); ok {
			return typed.UTC().Format(time.RFC3339Nano), nil
		}
	case TypeData:
		if typed, ok := value.([]byte); ok {
			return typed, nil
		}
	}
	return nil, mismatch(property, value)
}

func decodeCell(property Property, cell json.RawMessage) (any, error) {
	switch property.Type {
	case TypeInt:
		var value int64
		err := json.Unmarshal(cell, &value)
		return value, err
	case TypeBool:
		var value bool
		err := json.Unmarshal(cell, &value)
		return value, err
	case TypeString:
		var value string
		err := json.Unmarshal(cell, &value)
		return value, err
	case TypeFloat:
		text, err := decodeString(cell)
		if err != nil {
			return nil, err
		}
		parsed, err := strconv.ParseFloat(text, 32)
		return float32(parsed), err
	case TypeDouble:
		text, err := decodeString(cell)
		if err != nil {
			return nil, err
		}
		return strconv.ParseFloat(text, 64)
	case TypeDecimal:
		text, err := decodeString(cell)
		if err != nil {
			return nil, err
		}
		parsed, ok := new(big.Rat).SetString(text)
		if !ok {
			return nil, fmt.Errorf("invalid decimal %q", text)
		}
		return parsed, nil
	case TypeDate:
		text, err := decodeString(cell)
		if err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, text)
	case TypeData:
		var value []byte
		err := json.Unmarshal(cell, &value)
		if value == nil {
			value = []byte{}
		}
		return value, err
	default:
		return nil, fmt.Errorf("unsupported property type %s", property.Type)
	}
}

func decodeString(cell json.RawMessage) (string, error) {
	var text string
	if err := json.Unmarshal(cell, &text); err != nil {
		return "", err
	}
	return text, nil
}
