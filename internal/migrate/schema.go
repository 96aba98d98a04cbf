// 包 migrate：为直连 PostgreSQL 的租户创建点位表与变更通知触发器
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"outage-map/internal/logger"
)

// Table：点位表的列映射
type Table struct {
	Name      string
	Latitude  string
	Longitude string
	Status    string
	UpdatedAt string
}

// QualifiedName：支持 schema.table 形式，逐段加引号
func QualifiedName(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

func bareName(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

// EnsureSchema：首次运行创建点位表与状态索引
// 约束：IF NOT EXISTS，不修改已有表结构；仅用于开发与集成测试环境
func EnsureSchema(ctx context.Context, db *sql.DB, t Table) error {
	tbl := QualifiedName(t.Name)
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
            id BIGSERIAL PRIMARY KEY,
            tenant_id TEXT,
            %s DOUBLE PRECISION,
            %s DOUBLE PRECISION,
            %s TEXT NOT NULL,
            %s TIMESTAMPTZ NOT NULL DEFAULT now()
        )`, tbl, pq.QuoteIdentifier(t.Latitude), pq.QuoteIdentifier(t.Longitude),
			pq.QuoteIdentifier(t.Status), pq.QuoteIdentifier(t.UpdatedAt)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(%s)`,
			pq.QuoteIdentifier("idx_"+bareName(t.Name)+"_status"), tbl, pq.QuoteIdentifier(t.Status)),
		// 逻辑复制（Supabase Realtime）下 DELETE 事件需要旧行的坐标列
		fmt.Sprintf(`ALTER TABLE %s REPLICA IDENTITY FULL`, tbl),
	}
	for i, s := range stmts {
		logger.L().Debug("schema_exec", "idx", i, "table", t.Name)
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	logger.L().Debug("schema_done", "table", t.Name)
	return nil
}

// EnsureNotifyTrigger：行级触发器把每次变更以 JSON 发到 channel
// 约束：NOTIFY 负载上限约 8000 字节，宽表应只保留坐标/状态/时间列
func EnsureNotifyTrigger(ctx context.Context, db *sql.DB, table, channel string) error {
	fn := pq.QuoteIdentifier("outagemap_notify_" + channel)
	trg := pq.QuoteIdentifier("outagemap_notify_" + bareName(table))
	stmts := []string{
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
BEGIN
    PERFORM pg_notify(%s, json_build_object(
        'type', TG_OP,
        'table', TG_TABLE_NAME,
        'record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
        'old_record', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END
    )::text);
    RETURN NULL;
END;
$$ LANGUAGE plpgsql`, fn, pq.QuoteLiteral(channel)),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, trg, QualifiedName(table)),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s()`,
			trg, QualifiedName(table), fn),
	}
	for i, s := range stmts {
		logger.L().Debug("trigger_exec", "idx", i, "table", table, "channel", channel)
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
