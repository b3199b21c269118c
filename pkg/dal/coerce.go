package dal

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/goback/crudkit/pkg/errors"
	"gorm.io/gorm/schema"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// coerce 按列类型转换 JSON 解码出的值
func coerce(f *schema.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	invalid := errors.Validation(fmt.Sprintf("Invalid value for field '%s'", f.DBName))

	if n, ok := v.(json.Number); ok {
		switch f.DataType {
		case schema.Int, schema.Uint:
			i, err := n.Int64()
			if err != nil {
				return nil, invalid
			}
			return i, nil
		case schema.Float:
			x, err := n.Float64()
			if err != nil {
				return nil, invalid
			}
			return x, nil
		case schema.String:
			return n.String(), nil
		}
		return nil, invalid
	}

	switch f.DataType {
	case schema.Bool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, invalid
			}
			return parsed, nil
		}
		return nil, invalid
	case schema.Int, schema.Uint:
		switch x := v.(type) {
		case float64:
			if x != math.Trunc(x) {
				return nil, invalid
			}
			return int64(x), nil
		case int, int64:
			return x, nil
		case string:
			i, err := strconv.ParseInt(x, 10, 64)
			if err != nil {
				return nil, invalid
			}
			return i, nil
		}
		return nil, invalid
	case schema.Float:
		switch x := v.(type) {
		case float64, int, int64:
			return x, nil
		case string:
			f, err := strconv.ParseFloat(x, 64)
			if err != nil {
				return nil, invalid
			}
			return f, nil
		}
		return nil, invalid
	case schema.Time:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case string:
			if x == "" {
				return nil, nil
			}
			for _, layout := range timeLayouts {
				if t, err := time.ParseInLocation(layout, x, time.UTC); err == nil {
					return t.UTC(), nil
				}
			}
		}
		return nil, invalid
	case schema.String:
		switch v.(type) {
		case string:
			return v, nil
		case map[string]any, []any:
			return nil, invalid
		}
		return fmt.Sprint(v), nil
	}
	return v, nil
}
