package filter

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/goback/crudkit/pkg/errors"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

var dateOnly = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// timestampLayouts 时间列可接受的完整时间格式
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999",
}

// Compile 将过滤树编译为 SQL 谓词，node 为 nil 时返回 nil
func Compile(node Node, r *Resolver) (clause.Expression, error) {
	if node == nil {
		return nil, nil
	}
	sql, vars, err := compileNode(node, r)
	if err != nil {
		return nil, err
	}
	if sql == "" {
		return nil, nil
	}
	return clause.Expr{SQL: sql, Vars: vars}, nil
}

func compileNode(node Node, r *Resolver) (string, []any, error) {
	switch n := node.(type) {
	case *LogicNode:
		return compileLogic(n, r)
	case *FieldNode:
		return compileField(n, r)
	}
	return "", nil, fmt.Errorf("filter: unknown node %T", node)
}

func compileLogic(n *LogicNode, r *Resolver) (string, []any, error) {
	parts := make([]string, 0, len(n.Children))
	var vars []any
	for _, child := range n.Children {
		sql, v, err := compileNode(child, r)
		if err != nil {
			return "", nil, err
		}
		if sql == "" {
			continue
		}
		parts = append(parts, sql)
		vars = append(vars, v...)
	}
	return join(parts, n.Logic), vars, nil
}

func join(parts []string, logic Logic) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	sep := " AND "
	if logic == LogicOr {
		sep = " OR "
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func compileField(n *FieldNode, r *Resolver) (string, []any, error) {
	col, field, err := r.Resolve(n.Path)
	if err != nil {
		return "", nil, err
	}
	parts := make([]string, 0, len(n.Conds))
	var vars []any
	for _, c := range n.Conds {
		sql, v, err := compileCond(col, field, n.Key, c)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		vars = append(vars, v...)
	}
	return join(parts, LogicAnd), vars, nil
}

func compileCond(col clause.Column, field *schema.Field, key string, c Cond) (string, []any, error) {
	isTime := field.DataType == schema.Time

	switch {
	case c.Op == OpEq || c.Op == OpNe:
		if isEmpty(c.Value) {
			if c.Op == OpEq {
				return "? IS NULL", []any{col}, nil
			}
			return "? IS NOT NULL", []any{col}, nil
		}
	case c.Op.isSubstring():
		s := strings.ToLower(fmt.Sprint(c.Value))
		var pattern, verb string
		switch c.Op {
		case OpContains:
			pattern, verb = "%"+s+"%", "LIKE"
		case OpNContains:
			pattern, verb = "%"+s+"%", "NOT LIKE"
		case OpStartsWith:
			pattern, verb = s+"%", "LIKE"
		default:
			pattern, verb = "%"+s, "LIKE"
		}
		return "LOWER(?) " + verb + " ?", []any{col, pattern}, nil
	case c.Op == OpIsEmpty:
		// 与 $eq:"" 等价，只判断 NULL
		return "? IS NULL", []any{col}, nil
	case c.Op == OpIsNotEmpty:
		return "? IS NOT NULL", []any{col}, nil
	case c.Op.IsList():
		list, _ := c.Value.([]any)
		if len(list) == 0 {
			return "1 = 0", nil, nil
		}
		vars := make([]any, 0, len(list)+1)
		vars = append(vars, col)
		marks := make([]string, len(list))
		for i, item := range list {
			v, err := bindValue(item, isTime, key)
			if err != nil {
				return "", nil, err
			}
			marks[i] = "?"
			vars = append(vars, v)
		}
		return "? IN (" + strings.Join(marks, ",") + ")", vars, nil
	}

	if isTime {
		if s, ok := c.Value.(string); ok && dateOnly.MatchString(s) {
			return dayRange(col, c.Op, s, key)
		}
	}
	v, err := bindValue(c.Value, isTime, key)
	if err != nil {
		return "", nil, err
	}
	return "? " + comparator(c.Op) + " ?", []any{col, v}, nil
}

// dayRange 日期操作数按 UTC 自然日展开
func dayRange(col clause.Column, op Op, s, key string) (string, []any, error) {
	start, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return "", nil, errors.FilterSyntax("Invalid date value '%s' for field '%s'", s, key)
	}
	next := start.AddDate(0, 0, 1)

	switch op {
	case OpEq:
		return "(? >= ? AND ? < ?)", []any{col, start, col, next}, nil
	case OpNe:
		return "(? < ? OR ? >= ?)", []any{col, start, col, next}, nil
	case OpGt:
		return "? >= ?", []any{col, next}, nil
	case OpGte:
		return "? >= ?", []any{col, start}, nil
	case OpLt:
		return "? < ?", []any{col, start}, nil
	default:
		return "? < ?", []any{col, next}, nil
	}
}

func comparator(op Op) string {
	switch op {
	case OpNe:
		return "<>"
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	}
	return "="
}

func bindValue(v any, isTime bool, key string) (any, error) {
	if !isTime {
		return v, nil
	}
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	if dateOnly.MatchString(s) {
		t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
		if err == nil {
			return t, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return nil, errors.FilterSyntax("Invalid date value '%s' for field '%s'", s, key)
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
