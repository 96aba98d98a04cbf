// 包 pgsource：直连 PostgreSQL 的数据源；批量读取走 database/sql，变更订阅走 LISTEN/NOTIFY
package pgsource

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"outage-map/internal/logger"
	"outage-map/internal/migrate"
	"outage-map/internal/source"
)

// Fetcher：持有连接池的只读访问层
type Fetcher struct {
	db *sql.DB
}

func AttachDB(db *sql.DB) *Fetcher { return &Fetcher{db: db} }

func (f *Fetcher) DB() *sql.DB { return f.db }

// buildWhere：等值条件参数化，列名加引号
func buildWhere(q source.Query) (string, []any) {
	var conds []string
	var args []any
	for _, flt := range q.Equal {
		args = append(args, flt.Value)
		conds = append(conds, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(flt.Column), len(args)))
	}
	for _, col := range q.NotNull {
		conds = append(conds, pq.QuoteIdentifier(col)+" IS NOT NULL")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Fetch：SELECT * 并把每行转成列名到值的映射
func (f *Fetcher) Fetch(ctx context.Context, q source.Query) ([]source.Row, error) {
	where, args := buildWhere(q)
	query := "SELECT * FROM " + migrate.QualifiedName(q.Table) + where
	logger.L().Debug("pg_fetch_begin", "table", q.Table, "filters", len(q.Equal))
	rows, err := f.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &source.FetchError{Table: q.Table, Err: err}
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, &source.FetchError{Table: q.Table, Err: err}
	}
	var out []source.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &source.FetchError{Table: q.Table, Err: err}
		}
		r := make(source.Row, len(cols))
		for i, c := range cols {
			r[c] = normalize(vals[i])
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &source.FetchError{Table: q.Table, Err: err}
	}
	logger.L().Debug("pg_fetch_done", "table", q.Table, "rows", len(out))
	return out, nil
}

// normalize：NUMERIC/TEXT 以 []byte 返回，时间统一成 RFC3339 文本
func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	}
	return v
}

func (f *Fetcher) Count(ctx context.Context, q source.Query) (int64, error) {
	where, args := buildWhere(q)
	var n int64
	err := f.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM "+migrate.QualifiedName(q.Table)+where, args...).Scan(&n)
	if err != nil {
		return 0, &source.FetchError{Table: q.Table, Err: err}
	}
	return n, nil
}
