package filter

// Op 字段比较操作符，封闭枚举
type Op string

const (
	OpEq         Op = "$eq"
	OpNe         Op = "$ne"
	OpGt         Op = "$gt"
	OpGte        Op = "$gte"
	OpLt         Op = "$lt"
	OpLte        Op = "$lte"
	OpIn         Op = "$in"
	OpContains   Op = "$contains"
	OpNContains  Op = "$ncontains"
	OpStartsWith Op = "$startswith"
	OpEndsWith   Op = "$endswith"
	OpIsEmpty    Op = "$isempty"
	OpIsNotEmpty Op = "$isnotempty"
	OpIsAnyOf    Op = "$isanyof"
)

// Logic 逻辑组合符
type Logic string

const (
	LogicAnd Logic = "$and"
	LogicOr  Logic = "$or"
)

var operators = map[string]Op{
	string(OpEq):         OpEq,
	string(OpNe):         OpNe,
	string(OpGt):         OpGt,
	string(OpGte):        OpGte,
	string(OpLt):         OpLt,
	string(OpLte):        OpLte,
	string(OpIn):         OpIn,
	string(OpContains):   OpContains,
	string(OpNContains):  OpNContains,
	string(OpStartsWith): OpStartsWith,
	string(OpEndsWith):   OpEndsWith,
	string(OpIsEmpty):    OpIsEmpty,
	string(OpIsNotEmpty): OpIsNotEmpty,
	string(OpIsAnyOf):    OpIsAnyOf,
}

// ParseOp 解析操作符字符串
func ParseOp(s string) (Op, bool) {
	op, ok := operators[s]
	return op, ok
}

// IsList 操作数必须是数组
func (o Op) IsList() bool {
	return o == OpIn || o == OpIsAnyOf
}

// acceptsNull null 操作数表示"空"，其余操作符必须给值
func (o Op) acceptsNull() bool {
	return o == OpEq || o == OpNe || o == OpIsEmpty || o == OpIsNotEmpty
}

// isSubstring 大小写不敏感的子串匹配
func (o Op) isSubstring() bool {
	switch o {
	case OpContains, OpNContains, OpStartsWith, OpEndsWith:
		return true
	}
	return false
}

// ParseLogic 解析逻辑键
func ParseLogic(s string) (Logic, bool) {
	switch Logic(s) {
	case LogicAnd, LogicOr:
		return Logic(s), true
	}
	return "", false
}
