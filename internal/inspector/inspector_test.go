package inspector

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/sunimp/DebugProbe/pkg/protocol"
)

func setupDB(t *testing.T) (*Inspector, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Exec(`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, age INTEGER)`).Error)
	for i := 1; i <= 25; i++ {
		require.NoError(t, db.Exec(`INSERT INTO users (name, age) VALUES (?, ?)`, "u", 20+i).Error)
	}
	raw, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	ins := New(nil)
	require.NoError(t, ins.RegisterDatabase(Database{ID: "main", Name: "app", Path: path}))
	return ins, path
}

func handle(t *testing.T, ins *Inspector, cmd protocol.DBCommandPayload) protocol.DBResponsePayload {
	t.Helper()
	if cmd.RequestID == "" {
		cmd.RequestID = "q1"
	}
	resp := ins.Handle(cmd)
	assert.Equal(t, cmd.RequestID, resp.RequestID)
	return resp
}

func TestListDatabases(t *testing.T) {
	ins, _ := setupDB(t)
	resp := handle(t, ins, protocol.DBCommandPayload{Kind: protocol.DBListDatabases})
	require.True(t, resp.Success)
	var dbs []Database
	require.NoError(t, json.Unmarshal(resp.Payload, &dbs))
	require.Len(t, dbs, 1)
	assert.Equal(t, "main", dbs[0].ID)
}

func TestListTables(t *testing.T) {
	ins, _ := setupDB(t)
	resp := handle(t, ins, protocol.DBCommandPayload{Kind: protocol.DBListTables, DBID: "main"})
	require.True(t, resp.Success)
	var tables []string
	require.NoError(t, json.Unmarshal(resp.Payload, &tables))
	assert.Contains(t, tables, "users")
}

func TestDescribeTable(t *testing.T) {
	ins, _ := setupDB(t)
	resp := handle(t, ins, protocol.DBCommandPayload{Kind: protocol.DBDescribeTable, DBID: "main", Table: "users"})
	require.True(t, resp.Success)
	var cols []columnInfo
	require.NoError(t, json.Unmarshal(resp.Payload, &cols))
	require.Len(t, cols, 3)
	assert.Equal(t, "id", cols[0].Name)

	resp = handle(t, ins, protocol.DBCommandPayload{Kind: protocol.DBDescribeTable, DBID: "main", Table: "missing"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, ErrTableNotFound)

	resp = handle(t, ins, protocol.DBCommandPayload{Kind: protocol.DBDescribeTable, DBID: "main", Table: "users; drop"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, ErrInvalidQuery)
}

func TestFetchTablePageClamping(t *testing.T) {
	ins, _ := setupDB(t)
	// page=0 / pageSize=0 钳制为 1
	resp := handle(t, ins, protocol.DBCommandPayload{
		Kind: protocol.DBFetchTablePage, DBID: "main", Table: "users", Page: 0, PageSize: 0,
	})
	require.True(t, resp.Success)
	var page tablePage
	require.NoError(t, json.Unmarshal(resp.Payload, &page))
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 1, page.PageSize)
	assert.Len(t, page.Rows, 1)
	assert.EqualValues(t, 25, page.Total)

	// 排序与翻页
	resp = handle(t, ins, protocol.DBCommandPayload{
		Kind: protocol.DBFetchTablePage, DBID: "main", Table: "users",
		Page: 2, PageSize: 10, OrderBy: "age", Ascending: true,
	})
	require.True(t, resp.Success)
	require.NoError(t, json.Unmarshal(resp.Payload, &page))
	assert.Len(t, page.Rows, 10)

	// 非法排序列
	resp = handle(t, ins, protocol.DBCommandPayload{
		Kind: protocol.DBFetchTablePage, DBID: "main", Table: "users", OrderBy: "age DESC; --",
	})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, ErrInvalidQuery)
}

func TestExecuteQueryGuards(t *testing.T) {
	ins, _ := setupDB(t)

	// 前导空白与混合大小写可接受
	resp := handle(t, ins, protocol.DBCommandPayload{
		Kind: protocol.DBExecuteQuery, DBID: "main", Query: "   select name FROM users LIMIT 3",
	})
	require.True(t, resp.Success)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(resp.Payload, &rows))
	assert.Len(t, rows, 3)

	// 危险关键字拒绝并点名
	resp = handle(t, ins, protocol.DBCommandPayload{
		Kind: protocol.DBExecuteQuery, DBID: "main", Query: "select * from users; drop table users;",
	})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, ErrInvalidQuery)
	assert.Contains(t, resp.Error, "DROP")

	// 非 SELECT 拒绝
	resp = handle(t, ins, protocol.DBCommandPayload{
		Kind: protocol.DBExecuteQuery, DBID: "main", Query: "PRAGMA user_version",
	})
	assert.False(t, resp.Success)
}

func TestSensitiveDatabaseDenied(t *testing.T) {
	ins, path := setupDB(t)
	require.NoError(t, ins.RegisterDatabase(Database{ID: "secrets", Name: "s", Path: path, Sensitive: true}))
	resp := handle(t, ins, protocol.DBCommandPayload{Kind: protocol.DBListTables, DBID: "secrets"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, ErrAccessDenied)
}

func TestUnknownDatabase(t *testing.T) {
	ins, _ := setupDB(t)
	resp := handle(t, ins, protocol.DBCommandPayload{Kind: protocol.DBListTables, DBID: "nope"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, ErrDatabaseNotFound)
}
