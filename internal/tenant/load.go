package tenant

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"outage-map/internal/logger"
)

// Load：读取 <dir>/<id>.json，缺失时回退到 default.json，再缺失时使用内置默认
// 约束：文件存在但解析失败视为错误返回，不静默回退；最后叠加环境变量覆盖
func Load(dir, id string) (*Config, error) {
	if id == "" {
		id = "default"
	}
	c, err := readFile(filepath.Join(dir, id+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		logger.L().Warn("tenant_config_missing", "tenant", id, "fallback", "default.json")
		c, err = readFile(filepath.Join(dir, "default.json"))
		if errors.Is(err, fs.ErrNotExist) {
			logger.L().Warn("tenant_config_missing", "tenant", id, "fallback", "builtin")
			c, err = Default(id), nil
		}
	}
	if err != nil {
		return nil, err
	}
	if c.Tenant.ID == "" || c.Tenant.ID == "default" {
		c.Tenant.ID = id
	}
	c.applyDefaults()
	ApplyEnv(c, os.Getenv)
	return c, nil
}

func readFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &c, nil
}

// LoadAll：读取目录下全部租户配置，供校验命令使用；单个文件的错误独立返回
func LoadAll(dir string) (map[string]*Config, map[string]error, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	cfgs := map[string]*Config{}
	errs := map[string]error{}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		c, err := readFile(filepath.Join(dir, e.Name()))
		if err != nil {
			errs[id] = err
			continue
		}
		if c.Tenant.ID == "" {
			c.Tenant.ID = id
		}
		c.applyDefaults()
		ApplyEnv(c, os.Getenv)
		cfgs[id] = c
	}
	return cfgs, errs, nil
}

// EnvPrefix：租户级环境变量前缀，如 freedom-fiber → OUTAGE_FREEDOM_FIBER_
func EnvPrefix(id string) string {
	return "OUTAGE_" + strings.ToUpper(strings.ReplaceAll(id, "-", "_")) + "_"
}

// ApplyEnv：租户级变量优先，其次全局变量；只填补或覆盖连接信息，不改动列映射
func ApplyEnv(c *Config, getenv func(string) string) {
	p := EnvPrefix(c.Tenant.ID)
	pick := func(keys ...string) string {
		for _, k := range keys {
			if v := getenv(k); v != "" {
				return v
			}
		}
		return ""
	}
	if v := pick(p+"SUPABASE_URL", "SUPABASE_URL"); v != "" {
		c.Source.Supabase.URL = v
	}
	if v := pick(p+"SUPABASE_KEY", "SUPABASE_ANON_KEY"); v != "" {
		c.Source.Supabase.AnonKey = v
	}
	if v := pick(p+"PG_DSN"); v != "" {
		c.Source.Postgres.DSN = v
	}
	if c.Source.Kind == "" {
		switch {
		case c.Source.Supabase.URL != "" && c.Source.Supabase.AnonKey != "":
			c.Source.Kind = KindSupabase
		case c.Source.Postgres.DSN != "":
			c.Source.Kind = KindPostgres
		}
	}
}

// Detect：由请求主机名推断租户；本地开发回退到 default
func Detect(host string) string {
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" || host == "localhost" || host == "127.0.0.1" {
		return "default"
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return "default"
	}
	if labels[0] == "www" {
		return "default"
	}
	return labels[0]
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
