// Package inspector 只读 SQLite 巡检。所有命令按 requestId 应答；
// 库文件以只读模式打开，查询受标识符校验、SELECT 白名单、
// 分页钳制、行数上限与 10 秒硬中断约束。
package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/sunimp/DebugProbe/internal/logger"
	"github.com/sunimp/DebugProbe/pkg/protocol"
)

// 巡检错误码，按原样编码进 dbResponse.error
const (
	ErrDatabaseNotFound = "databaseNotFound"
	ErrTableNotFound    = "tableNotFound"
	ErrInvalidQuery     = "invalidQuery"
	ErrTimeout          = "timeout"
	ErrAccessDenied     = "accessDenied"
	ErrInternal         = "internalError"
)

const (
	queryTimeout = 10 * time.Second
	maxRows      = 1000
	maxPageSize  = 500
	busyTimeout  = 5000 // ms
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var forbiddenTokens = []string{"DROP", "DELETE", "INSERT", "UPDATE", "ALTER", "CREATE", "ATTACH", "DETACH"}

// Database 被巡检库的注册信息
type Database struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Path      string `json:"-"`
	Sensitive bool   `json:"sensitive"`
}

type registered struct {
	info Database
	db   *gorm.DB
}

// Inspector 只读巡检器
type Inspector struct {
	mu  sync.RWMutex
	dbs map[string]*registered
	log logger.Logger
}

// New 创建巡检器
func New(l logger.Logger) *Inspector {
	if l == nil {
		l = logger.NewNop()
	}
	return &Inspector{dbs: make(map[string]*registered), log: l}
}

// RegisterDatabase 注册一个库文件。标记 sensitive 的库拒绝一切巡检。
func (ins *Inspector) RegisterDatabase(info Database) error {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(%d)", info.Path, busyTimeout)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: NewGormLogger(ins.log)})
	if err != nil {
		return fmt.Errorf("打开数据库失败: %w", err)
	}
	ins.mu.Lock()
	ins.dbs[info.ID] = &registered{info: info, db: db}
	ins.mu.Unlock()
	ins.log.Info("注册巡检数据库", "id", info.ID, "name", info.Name, "sensitive", info.Sensitive)
	return nil
}

// Handle 执行一条 dbCommand 并构造应答
func (ins *Inspector) Handle(cmd protocol.DBCommandPayload) protocol.DBResponsePayload {
	payload, code, err := ins.execute(cmd)
	if code != "" {
		msg := code
		if err != nil {
			msg = fmt.Sprintf("%s: %v", code, err)
		}
		ins.log.Warn("巡检命令失败", "requestID", cmd.RequestID, "kind", string(cmd.Kind), "error", msg)
		return protocol.DBResponsePayload{RequestID: cmd.RequestID, Success: false, Error: msg}
	}
	return protocol.DBResponsePayload{RequestID: cmd.RequestID, Success: true, Payload: payload}
}

func (ins *Inspector) execute(cmd protocol.DBCommandPayload) ([]byte, string, error) {
	if cmd.Kind == protocol.DBListDatabases {
		return ins.listDatabases()
	}

	ins.mu.RLock()
	reg, ok := ins.dbs[cmd.DBID]
	ins.mu.RUnlock()
	if !ok {
		return nil, ErrDatabaseNotFound, nil
	}
	if reg.info.Sensitive {
		return nil, ErrAccessDenied, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	db := reg.db.WithContext(ctx)

	var payload []byte
	var code string
	var err error
	switch cmd.Kind {
	case protocol.DBListTables:
		payload, code, err = ins.listTables(db)
	case protocol.DBDescribeTable:
		payload, code, err = ins.describeTable(db, cmd.Table)
	case protocol.DBFetchTablePage:
		payload, code, err = ins.fetchTablePage(db, cmd)
	case protocol.DBExecuteQuery:
		payload, code, err = ins.executeQuery(db, cmd.Query)
	default:
		return nil, ErrInvalidQuery, fmt.Errorf("未知命令 %q", cmd.Kind)
	}
	if code == "" && err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, ErrTimeout, nil
	}
	if err != nil && code == "" {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout, nil
		}
		return nil, ErrInternal, err
	}
	return payload, code, err
}

func (ins *Inspector) listDatabases() ([]byte, string, error) {
	ins.mu.RLock()
	list := make([]Database, 0, len(ins.dbs))
	for _, r := range ins.dbs {
		list = append(list, r.info)
	}
	ins.mu.RUnlock()
	payload, err := json.Marshal(list)
	if err != nil {
		return nil, ErrInternal, err
	}
	return payload, "", nil
}

func (ins *Inspector) listTables(db *gorm.DB) ([]byte, string, error) {
	var names []string
	err := db.Raw(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`).
		Scan(&names).Error
	if err != nil {
		return nil, "", err
	}
	payload, err := json.Marshal(names)
	return payload, "", err
}

// columnInfo PRAGMA table_info 的一行
type columnInfo struct {
	CID          int     `json:"cid" gorm:"column:cid"`
	Name         string  `json:"name" gorm:"column:name"`
	Type         string  `json:"type" gorm:"column:type"`
	NotNull      int     `json:"notNull" gorm:"column:notnull"`
	DefaultValue *string `json:"defaultValue" gorm:"column:dflt_value"`
	PrimaryKey   int     `json:"primaryKey" gorm:"column:pk"`
}

func (ins *Inspector) describeTable(db *gorm.DB, table string) ([]byte, string, error) {
	if !validIdent(table) {
		return nil, ErrInvalidQuery, fmt.Errorf("非法表名 %q", table)
	}
	var cols []columnInfo
	if err := db.Raw(fmt.Sprintf(`PRAGMA table_info(%q)`, table)).Scan(&cols).Error; err != nil {
		return nil, "", err
	}
	if len(cols) == 0 {
		return nil, ErrTableNotFound, nil
	}
	payload, err := json.Marshal(cols)
	return payload, "", err
}

// tablePage 分页查询结果
type tablePage struct {
	Rows     []map[string]any `json:"rows"`
	Page     int              `json:"page"`
	PageSize int              `json:"pageSize"`
	Total    int64            `json:"total"`
}

func (ins *Inspector) fetchTablePage(db *gorm.DB, cmd protocol.DBCommandPayload) ([]byte, string, error) {
	if !validIdent(cmd.Table) {
		return nil, ErrInvalidQuery, fmt.Errorf("非法表名 %q", cmd.Table)
	}
	page := cmd.Page
	if page < 1 {
		page = 1
	}
	size := cmd.PageSize
	if size < 1 {
		size = 1
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	var total int64
	if err := db.Raw(fmt.Sprintf(`SELECT COUNT(*) FROM %q`, cmd.Table)).Scan(&total).Error; err != nil {
		if isMissingTable(err) {
			return nil, ErrTableNotFound, nil
		}
		return nil, "", err
	}

	query := fmt.Sprintf(`SELECT * FROM %q`, cmd.Table)
	if cmd.OrderBy != "" {
		if !validIdent(cmd.OrderBy) {
			return nil, ErrInvalidQuery, fmt.Errorf("非法排序列 %q", cmd.OrderBy)
		}
		dir := "DESC"
		if cmd.Ascending {
			dir = "ASC"
		}
		query += fmt.Sprintf(` ORDER BY %q %s`, cmd.OrderBy, dir)
	}
	query += fmt.Sprintf(` LIMIT %d OFFSET %d`, size, (page-1)*size)

	var rows []map[string]any
	if err := db.Raw(query).Scan(&rows).Error; err != nil {
		return nil, "", err
	}
	payload, err := json.Marshal(tablePage{Rows: rows, Page: page, PageSize: size, Total: total})
	return payload, "", err
}

func (ins *Inspector) executeQuery(db *gorm.DB, query string) ([]byte, string, error) {
	if code, err := validateQuery(query); code != "" {
		return nil, code, err
	}
	var rows []map[string]any
	if err := db.Raw(query).Scan(&rows).Error; err != nil {
		return nil, "", err
	}
	if len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	payload, err := json.Marshal(rows)
	return payload, "", err
}

// validateQuery 只放行 SELECT 语句，含危险关键字的一律拒绝
func validateQuery(query string) (string, error) {
	upper := strings.ToUpper(strings.TrimSpace(query))
	if !strings.HasPrefix(upper, "SELECT") {
		return ErrInvalidQuery, fmt.Errorf("仅允许 SELECT 语句")
	}
	for _, tok := range forbiddenTokens {
		if strings.Contains(upper, tok) {
			return ErrInvalidQuery, fmt.Errorf("语句包含禁止的关键字 %s", tok)
		}
	}
	return "", nil
}

func validIdent(s string) bool {
	return len(s) > 0 && len(s) <= 128 && identRe.MatchString(s)
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
