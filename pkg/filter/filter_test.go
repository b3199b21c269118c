package filter_test

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	apperrors "github.com/goback/crudkit/pkg/errors"
	"github.com/goback/crudkit/pkg/filter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Role struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	Name      string         `json:"name"`
	Users     []User         `gorm:"foreignKey:RoleID" json:"users"`
	DeletedAt gorm.DeletedAt `json:"deleted_at"`
}

func (Role) TableName() string { return "role" }

type User struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	Username  string         `json:"username"`
	Email     *string        `json:"email"`
	Age       int            `json:"age"`
	Password  string         `json:"-"`
	RoleID    *string        `json:"role_id"`
	Role      *Role          `json:"role"`
	CreatedAt time.Time      `json:"created_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at"`
}

func (User) TableName() string { return "user" }

func ptr(s string) *string { return &s }

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&Role{}, &User{}))

	roles := []Role{{ID: "r1", Name: "ADMIN"}, {ID: "r2", Name: "EDITOR"}, {ID: "r3", Name: "GHOST"}}
	require.NoError(t, db.Create(&roles).Error)
	require.NoError(t, db.Delete(&Role{}, "id = ?", "r3").Error)

	users := []User{
		{ID: "u1", Username: "alice", Email: ptr("alice@example.com"), Age: 30, Password: "secret-a", RoleID: ptr("r1"), CreatedAt: day("2024-03-10 00:00:00")},
		{ID: "u2", Username: "bob", Age: 25, Password: "secret-b", RoleID: ptr("r2"), CreatedAt: day("2024-03-10 23:59:59")},
		{ID: "u3", Username: "carol", Email: ptr("carol@example.com"), Age: 40, Password: "secret-c", RoleID: ptr("r1"), CreatedAt: day("2024-03-11 00:00:00")},
		{ID: "u4", Username: "dave", Email: ptr(""), Age: 18, Password: "secret-d", RoleID: ptr("r3"), CreatedAt: day("2024-03-09 12:00:00")},
	}
	require.NoError(t, db.Create(&users).Error)
	return db
}

func compile(t *testing.T, db *gorm.DB, model any, raw string) (*filter.Resolver, *gorm.DB, error) {
	t.Helper()
	node, err := filter.Parse([]byte(raw))
	if err != nil {
		return nil, nil, err
	}
	r, err := filter.NewResolver(db, model)
	require.NoError(t, err)
	expr, err := filter.Compile(node, r)
	if err != nil {
		return r, nil, err
	}
	return r, r.Filter(db.Model(model), expr), nil
}

func usernames(t *testing.T, db *gorm.DB, raw string) []string {
	t.Helper()
	_, tx, err := compile(t, db, &User{}, raw)
	require.NoError(t, err)
	var out []string
	require.NoError(t, tx.Order("username").Pluck("username", &out).Error)
	if out == nil {
		out = []string{}
	}
	return out
}

func TestCompileFieldOperators(t *testing.T) {
	db := setupDB(t)

	cases := []struct {
		name   string
		filter string
		want   []string
	}{
		{"eq", `{"username":{"$eq":"alice"}}`, []string{"alice"}},
		{"ne", `{"username":{"$ne":"alice"}}`, []string{"bob", "carol", "dave"}},
		{"empty string eq means null", `{"email":{"$eq":""}}`, []string{"bob"}},
		{"null ne means not null", `{"email":{"$ne":null}}`, []string{"alice", "carol", "dave"}},
		{"isempty", `{"email":{"$isempty":true}}`, []string{"bob"}},
		{"isnotempty", `{"email":{"$isnotempty":true}}`, []string{"alice", "carol", "dave"}},
		{"contains is case insensitive", `{"username":{"$contains":"AR"}}`, []string{"carol"}},
		{"ncontains", `{"username":{"$ncontains":"a"}}`, []string{"bob"}},
		{"startswith", `{"username":{"$startswith":"B"}}`, []string{"bob"}},
		{"endswith", `{"username":{"$endswith":"e"}}`, []string{"alice", "dave"}},
		{"several operators are anded", `{"age":{"$gte":25,"$lt":40}}`, []string{"alice", "bob"}},
		{"sibling keys are anded", `{"age":{"$gt":20},"username":{"$startswith":"c"}}`, []string{"carol"}},
		{"or", `{"$or":[{"age":{"$lt":20}},{"username":{"$eq":"carol"}}]}`, []string{"carol", "dave"}},
		{"nested", `{"$and":[{"$or":[{"age":{"$lt":20}},{"age":{"$gt":35}}]},{"username":{"$ne":"dave"}}]}`, []string{"carol"}},
		{"empty in matches nothing", `{"username":{"$in":[]}}`, []string{}},
		{"isanyof", `{"username":{"$isanyof":["alice","bob","zed"]}}`, []string{"alice", "bob"}},
		{"json name", `{"role_id":{"$eq":"r2"}}`, []string{"bob"}},
		{"empty filter", `{}`, []string{"alice", "bob", "carol", "dave"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, usernames(t, db, tc.filter))
		})
	}
}

func TestEmptyOperandMatchesIsEmpty(t *testing.T) {
	db := setupDB(t)

	for _, field := range []string{"email", "age"} {
		assert.Equal(t,
			usernames(t, db, `{"`+field+`":{"$isempty":true}}`),
			usernames(t, db, `{"`+field+`":{"$eq":""}}`), field)
		assert.Equal(t,
			usernames(t, db, `{"`+field+`":{"$isempty":true}}`),
			usernames(t, db, `{"`+field+`":{"$eq":null}}`), field)
		assert.Equal(t,
			usernames(t, db, `{"`+field+`":{"$isnotempty":true}}`),
			usernames(t, db, `{"`+field+`":{"$ne":""}}`), field)
	}
}

func TestCompileDateRanges(t *testing.T) {
	db := setupDB(t)

	cases := []struct {
		name   string
		filter string
		want   []string
	}{
		{"eq covers the whole day", `{"created_at":{"$eq":"2024-03-10"}}`, []string{"alice", "bob"}},
		{"ne is the complement", `{"created_at":{"$ne":"2024-03-10"}}`, []string{"carol", "dave"}},
		{"gt starts the next day", `{"created_at":{"$gt":"2024-03-10"}}`, []string{"carol"}},
		{"gte includes the day", `{"created_at":{"$gte":"2024-03-10"}}`, []string{"alice", "bob", "carol"}},
		{"lt excludes the day", `{"created_at":{"$lt":"2024-03-10"}}`, []string{"dave"}},
		{"lte includes the day", `{"created_at":{"$lte":"2024-03-10"}}`, []string{"alice", "bob", "dave"}},
		{"full timestamp", `{"created_at":{"$gte":"2024-03-10T12:00:00Z"}}`, []string{"bob", "carol"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, usernames(t, db, tc.filter))
		})
	}
}

func TestCompileRelationshipPaths(t *testing.T) {
	db := setupDB(t)

	assert.Equal(t, []string{"alice", "carol"}, usernames(t, db, `{"role__name":{"$eq":"ADMIN"}}`))
	assert.Equal(t, []string{"alice", "carol"}, usernames(t, db, `{"role.name":{"$eq":"ADMIN"}}`))
	// 已软删除的关联行不参与匹配
	assert.Empty(t, usernames(t, db, `{"role__name":{"$eq":"GHOST"}}`))
	assert.Equal(t, []string{"bob", "carol", "dave"}, usernames(t, db, `{"$or":[{"role__name":{"$eq":"EDITOR"}},{"age":{"$gt":35}},{"age":{"$lt":20}}]}`))
}

func TestResolverReusesAliasPerTable(t *testing.T) {
	db := setupDB(t)

	r, tx, err := compile(t, db, &User{}, `{"role__name":{"$eq":"ADMIN"},"role__id":{"$eq":"r1"}}`)
	require.NoError(t, err)
	assert.Len(t, r.Joins(), 1)
	assert.False(t, r.ToMany())

	var n int64
	require.NoError(t, tx.Count(&n).Error)
	assert.EqualValues(t, 2, n)
}

func TestHasManyPathDoesNotDuplicateRows(t *testing.T) {
	db := setupDB(t)

	r, tx, err := compile(t, db, &Role{}, `{"users__age":{"$gt":0}}`)
	require.NoError(t, err)
	assert.True(t, r.ToMany())

	var names []string
	require.NoError(t, tx.Order("name").Pluck("name", &names).Error)
	assert.Equal(t, []string{"ADMIN", "EDITOR"}, names)

	var n int64
	_, tx, err = compile(t, db, &Role{}, `{"users__username":{"$startswith":"a"}}`)
	require.NoError(t, err)
	require.NoError(t, tx.Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestParseErrors(t *testing.T) {
	db := setupDB(t)

	cases := []struct {
		name   string
		filter string
		msg    string
	}{
		{"root not an object", `[1,2]`, "Filters must be a dictionary"},
		{"logical needs a list", `{"$and":{"a":1}}`, "Logical operator '$and' must have a list of conditions"},
		{"logical needs conditions", `{"$or":[]}`, "Logical operator '$or' must have a list of conditions"},
		{"unknown operator", `{"username":{"$like":"a"}}`, "Invalid operator '$like' for field 'username'"},
		{"bare value", `{"username":"alice"}`, "Invalid filter format for key 'username'"},
		{"in needs a list", `{"username":{"$in":"alice"}}`, "Operator '$in' for field 'username' requires a list"},
		{"gt needs a value", `{"age":{"$gt":null}}`, "Operator '$gt' for field 'age' requires a value"},
		{"contains needs a value", `{"username":{"$contains":null}}`, "Operator '$contains' for field 'username' requires a value"},
		{"in null is not a list", `{"username":{"$in":null}}`, "Operator '$in' for field 'username' requires a value"},
		{"unknown column", `{"nickname":{"$eq":"x"}}`, "Invalid filter key: nickname. Could not resolve attribute 'nickname' in model 'User'."},
		{"unknown related column", `{"role__title":{"$eq":"x"}}`, "Invalid filter key: role.title. Could not resolve attribute 'title' in model 'Role'."},
		{"unknown relation", `{"team__name":{"$eq":"x"}}`, "Invalid filter key: team.name. Could not resolve attribute 'team' in model 'User'."},
		{"hidden column", `{"password":{"$startswith":"s"}}`, "Invalid filter key: password. Could not resolve attribute 'password' in model 'User'."},
		{"bad date", `{"created_at":{"$gt":"yesterday"}}`, "Invalid date value 'yesterday' for field 'created_at'"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := compile(t, db, &User{}, tc.filter)
			require.Error(t, err)
			assert.True(t, apperrors.IsKind(err, apperrors.KindFilterSyntax))
			assert.Equal(t, tc.msg, apperrors.From(err).Message)
			assert.Equal(t, 400, apperrors.GetCode(err))
		})
	}
}

func TestParseEmpty(t *testing.T) {
	node, err := filter.Parse([]byte(`{}`))
	require.NoError(t, err)
	assert.Nil(t, node)

	expr, err := filter.Compile(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, expr)
}

func TestSplitPath(t *testing.T) {
	assert.Equal(t, []string{"role", "name"}, filter.SplitPath("role__name"))
	assert.Equal(t, []string{"role", "name"}, filter.SplitPath("role.name"))
	assert.Equal(t, []string{"a", "b", "c"}, filter.SplitPath("a.b__c"))
}

func TestParseOp(t *testing.T) {
	op, ok := filter.ParseOp("$isanyof")
	assert.True(t, ok)
	assert.True(t, op.IsList())

	_, ok = filter.ParseOp("$regex")
	assert.False(t, ok)
}
