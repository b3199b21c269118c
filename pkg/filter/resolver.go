package filter

import (
	"strings"

	"github.com/goback/crudkit/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

// Resolver 将字段路径解析为列，并按需登记关联表 JOIN
// 每个查询独立持有一个 Resolver
type Resolver struct {
	model   any
	root    *schema.Schema
	aliases map[string]string
	joins   []clause.Expr
	toMany  bool
}

// NewResolver 基于模型的 gorm schema 创建解析器
func NewResolver(db *gorm.DB, model any) (*Resolver, error) {
	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(model); err != nil {
		return nil, err
	}
	return &Resolver{model: model, root: stmt.Schema, aliases: make(map[string]string)}, nil
}

// Schema 根模型的 schema
func (r *Resolver) Schema() *schema.Schema {
	return r.root
}

// Table 根表名
func (r *Resolver) Table() string {
	return r.root.Table
}

// Joins 已登记的 LEFT JOIN 子句，按登记顺序
func (r *Resolver) Joins() []clause.Expr {
	return r.joins
}

// ToMany 是否引入了一对多或多对多 JOIN
func (r *Resolver) ToMany() bool {
	return r.toMany
}

// Apply 把已登记的 JOIN 应用到查询
func (r *Resolver) Apply(tx *gorm.DB) *gorm.DB {
	for _, j := range r.joins {
		tx = tx.Joins(j.SQL, j.Vars...)
	}
	return tx
}

// Filter 把谓词应用到查询
// 存在关联 JOIN 时以主键子查询过滤，外层查询不含 JOIN，一对多关联也不会产生重复行
func (r *Resolver) Filter(tx *gorm.DB, expr clause.Expression) *gorm.DB {
	if expr == nil {
		return tx
	}
	if len(r.joins) == 0 {
		return tx.Where(expr)
	}
	pk := clause.Column{Table: r.root.Table, Name: r.root.PrioritizedPrimaryField.DBName}
	sub := r.Apply(tx.Session(&gorm.Session{NewDB: true}).Model(r.model)).
		Select("?", pk).
		Where(expr)
	return tx.Where(clause.Expr{SQL: "? IN (?)", Vars: []any{pk, sub}})
}

// Resolve 解析字段路径，返回带表别名的列及其字段定义
func (r *Resolver) Resolve(path []string) (clause.Column, *schema.Field, error) {
	key := strings.Join(path, ".")
	if len(path) == 0 {
		return clause.Column{}, nil, errors.FilterSyntax("Invalid filter key: %s. Could not resolve attribute '' in model '%s'.", key, r.root.Name)
	}

	cur := r.root
	alias := r.root.Table
	for _, seg := range path[:len(path)-1] {
		rel := findRelation(cur, seg)
		if rel == nil {
			return clause.Column{}, nil, errors.FilterSyntax("Invalid filter key: %s. Could not resolve attribute '%s' in model '%s'.", key, seg, cur.Name)
		}
		alias = r.join(rel, alias)
		cur = rel.FieldSchema
	}

	last := path[len(path)-1]
	field := findField(cur, last)
	if field == nil {
		return clause.Column{}, nil, errors.FilterSyntax("Invalid filter key: %s. Could not resolve attribute '%s' in model '%s'.", key, last, cur.Name)
	}
	return clause.Column{Table: alias, Name: field.DBName}, field, nil
}

// join 登记关联 JOIN，同一张关联表复用同一别名
func (r *Resolver) join(rel *schema.Relationship, parent string) string {
	if rel.Type == schema.HasMany || rel.Type == schema.Many2Many {
		r.toMany = true
	}

	target := rel.FieldSchema.Table
	if alias, ok := r.aliases[target]; ok {
		return alias
	}
	alias := "j_" + target
	r.aliases[target] = alias

	if rel.Type == schema.Many2Many && rel.JoinTable != nil {
		through := "j_" + rel.JoinTable.Table
		var own, other []string
		var ownVars, otherVars []any
		for _, ref := range rel.References {
			if ref.OwnPrimaryKey {
				own = append(own, "? = ?")
				ownVars = append(ownVars, clause.Column{Table: through, Name: ref.ForeignKey.DBName}, clause.Column{Table: parent, Name: ref.PrimaryKey.DBName})
			} else {
				other = append(other, "? = ?")
				otherVars = append(otherVars, clause.Column{Table: alias, Name: ref.PrimaryKey.DBName}, clause.Column{Table: through, Name: ref.ForeignKey.DBName})
			}
		}
		r.joins = append(r.joins, clause.Expr{
			SQL:  "LEFT JOIN ? ON " + strings.Join(own, " AND "),
			Vars: append([]any{clause.Table{Name: rel.JoinTable.Table, Alias: through}}, ownVars...),
		})
		r.appendJoin(rel.FieldSchema, alias, other, otherVars)
		return alias
	}

	var conds []string
	var vars []any
	for _, ref := range rel.References {
		switch {
		case ref.PrimaryKey == nil:
			// 多态关联的类型值
			conds = append(conds, "? = ?")
			vars = append(vars, clause.Column{Table: alias, Name: ref.ForeignKey.DBName}, ref.PrimaryValue)
		case ref.OwnPrimaryKey:
			conds = append(conds, "? = ?")
			vars = append(vars, clause.Column{Table: alias, Name: ref.ForeignKey.DBName}, clause.Column{Table: parent, Name: ref.PrimaryKey.DBName})
		default:
			conds = append(conds, "? = ?")
			vars = append(vars, clause.Column{Table: alias, Name: ref.PrimaryKey.DBName}, clause.Column{Table: parent, Name: ref.ForeignKey.DBName})
		}
	}
	r.appendJoin(rel.FieldSchema, alias, conds, vars)
	return alias
}

func (r *Resolver) appendJoin(target *schema.Schema, alias string, conds []string, vars []any) {
	if f := target.LookUpField("deleted_at"); f != nil {
		conds = append(conds, "? IS NULL")
		vars = append(vars, clause.Column{Table: alias, Name: f.DBName})
	}
	r.joins = append(r.joins, clause.Expr{
		SQL:  "LEFT JOIN ? ON " + strings.Join(conds, " AND "),
		Vars: append([]any{clause.Table{Name: target.Table, Alias: alias}}, vars...),
	})
}

// findRelation 按字段名或 json 名查找关联（不区分大小写）
func findRelation(s *schema.Schema, name string) *schema.Relationship {
	if rel, ok := s.Relationships.Relations[name]; ok {
		return rel
	}
	for relName, rel := range s.Relationships.Relations {
		if strings.EqualFold(relName, name) || (rel.Field != nil && jsonName(rel.Field) == name) {
			return rel
		}
	}
	return nil
}

// findField 按列名、json 名或字段名查找可查询的列，不序列化的字段不可查询
func findField(s *schema.Schema, name string) *schema.Field {
	if f, ok := s.FieldsByDBName[name]; ok {
		if f.Tag.Get("json") == "-" {
			return nil
		}
		return f
	}
	for _, f := range s.Fields {
		if f.DBName == "" || f.Tag.Get("json") == "-" {
			continue
		}
		if jsonName(f) == name || f.Name == name {
			return f
		}
	}
	return nil
}

func jsonName(f *schema.Field) string {
	tag := f.Tag.Get("json")
	if tag == "" || tag == "-" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	return name
}
