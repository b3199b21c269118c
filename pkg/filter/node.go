package filter

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/goback/crudkit/pkg/errors"
)

// Node 过滤树节点
type Node interface {
	node()
}

// LogicNode $and / $or 组合
type LogicNode struct {
	Logic    Logic
	Children []Node
}

// FieldNode 单个字段上的条件，多个条件之间为 AND
type FieldNode struct {
	Key   string
	Path  []string
	Conds []Cond
}

// Cond 操作符与操作数
type Cond struct {
	Op    Op
	Value any
}

func (*LogicNode) node() {}
func (*FieldNode) node() {}

// Parse 解析 JSON 过滤表达式，空对象返回 nil
func Parse(raw []byte) (Node, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errors.FilterSyntax("Filters must be a dictionary")
	}
	return ParseMap(m)
}

// ParseMap 解析已解码的过滤对象
func ParseMap(m map[string]any) (Node, error) {
	if len(m) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	children := make([]Node, 0, len(keys))
	for _, key := range keys {
		n, err := parseEntry(key, m[key])
		if err != nil {
			return nil, err
		}
		if n != nil {
			children = append(children, n)
		}
	}

	switch len(children) {
	case 0:
		return nil, nil
	case 1:
		return children[0], nil
	}
	return &LogicNode{Logic: LogicAnd, Children: children}, nil
}

func parseEntry(key string, value any) (Node, error) {
	if logic, ok := ParseLogic(key); ok {
		list, ok := value.([]any)
		if !ok || len(list) == 0 {
			return nil, errors.FilterSyntax("Logical operator '%s' must have a list of conditions", key)
		}
		ln := &LogicNode{Logic: logic, Children: make([]Node, 0, len(list))}
		for _, item := range list {
			sub, ok := item.(map[string]any)
			if !ok {
				return nil, errors.FilterSyntax("Filters must be a dictionary")
			}
			child, err := ParseMap(sub)
			if err != nil {
				return nil, err
			}
			if child != nil {
				ln.Children = append(ln.Children, child)
			}
		}
		return ln, nil
	}
	if strings.HasPrefix(key, "$") {
		return nil, errors.FilterSyntax("Invalid filter format for key '%s'", key)
	}

	ops, ok := value.(map[string]any)
	if !ok || len(ops) == 0 {
		return nil, errors.FilterSyntax("Invalid filter format for key '%s'", key)
	}

	names := make([]string, 0, len(ops))
	for k := range ops {
		names = append(names, k)
	}
	sort.Strings(names)

	fn := &FieldNode{Key: key, Path: SplitPath(key), Conds: make([]Cond, 0, len(ops))}
	for _, name := range names {
		op, ok := ParseOp(name)
		if !ok {
			return nil, errors.FilterSyntax("Invalid operator '%s' for field '%s'", name, key)
		}
		operand := normalize(ops[name])
		if operand == nil && !op.acceptsNull() {
			return nil, errors.FilterSyntax("Operator '%s' for field '%s' requires a value", name, key)
		}
		if op.IsList() {
			if _, ok := operand.([]any); !ok {
				return nil, errors.FilterSyntax("Operator '%s' for field '%s' requires a list", name, key)
			}
		}
		fn.Conds = append(fn.Conds, Cond{Op: op, Value: operand})
	}
	return fn, nil
}

// SplitPath 按 "__" 或 "." 拆分字段路径
func SplitPath(key string) []string {
	key = strings.ReplaceAll(key, "__", ".")
	parts := strings.Split(key, ".")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalize 将 json.Number 转为 int64 或 float64
func normalize(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	}
	return v
}
