// 包 postgrest：通过 PostgREST（Supabase REST）批量读取点位行
package postgrest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"outage-map/internal/logger"
	"outage-map/internal/source"
)

const DefaultPageSize = 1000

// Client：PostgREST 读取客户端
// 约束：只读；分页依赖 Range 头，服务端 max-rows 小于 PageSize 时仍能按短页结束
type Client struct {
	BaseURL  string
	Key      string
	PageSize int
	HTTP     *http.Client
}

// New：baseURL 为项目地址（如 https://xyz.supabase.co），REST 路径自动追加
func New(baseURL, key string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), Key: key, PageSize: DefaultPageSize, HTTP: hc}
}

func (c *Client) endpoint(q source.Query) string {
	v := url.Values{}
	v.Set("select", "*")
	for _, f := range q.Equal {
		v.Add(f.Column, "eq."+f.Value)
	}
	for _, col := range q.NotNull {
		v.Add(col, "not.is.null")
	}
	return c.BaseURL + "/rest/v1/" + url.PathEscape(q.Table) + "?" + v.Encode()
}

func (c *Client) newRequest(ctx context.Context, method string, q source.Query) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(q), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.Key)
	req.Header.Set("Authorization", "Bearer "+c.Key)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// Fetch：逐页读取直到短页；任一页失败整体返回 FetchError
func (c *Client) Fetch(ctx context.Context, q source.Query) ([]source.Row, error) {
	size := c.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	var out []source.Row
	for from := 0; ; from += size {
		page, err := c.fetchPage(ctx, q, from, from+size-1)
		if err != nil {
			return nil, &source.FetchError{Table: q.Table, Err: err}
		}
		out = append(out, page...)
		logger.L().Debug("postgrest_page", "table", q.Table, "from", from, "rows", len(page))
		if len(page) < size {
			return out, nil
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, q source.Query, from, to int) ([]source.Row, error) {
	req, err := c.newRequest(ctx, http.MethodGet, q)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range-Unit", "items")
	req.Header.Set("Range", fmt.Sprintf("%d-%d", from, to))
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, statusError(resp)
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	rows := make([]source.Row, len(raw))
	for i, r := range raw {
		rows[i] = source.Row(r)
	}
	return rows, nil
}

// Count：使用 Prefer: count=exact 的 HEAD 请求，只读 Content-Range 总数
func (c *Client) Count(ctx context.Context, q source.Query) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodHead, q)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Prefer", "count=exact")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, &source.FetchError{Table: q.Table, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return 0, &source.FetchError{Table: q.Table, Err: statusError(resp)}
	}
	n, err := parseContentRangeTotal(resp.Header.Get("Content-Range"))
	if err != nil {
		return 0, &source.FetchError{Table: q.Table, Err: err}
	}
	return n, nil
}

// parseContentRangeTotal："0-24/25" 或 "*/0" 取斜杠后的总数
func parseContentRangeTotal(h string) (int64, error) {
	_, total, ok := strings.Cut(h, "/")
	if !ok || total == "*" {
		return 0, fmt.Errorf("content-range without total: %q", h)
	}
	return strconv.ParseInt(total, 10, 64)
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return errors.New(resp.Status)
	}
	return fmt.Errorf("%s: %s", resp.Status, body)
}
