// 包 source：上游交通数据集客户端（站点、线路、航班）
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"transit-graph/internal/logger"
	"transit-graph/internal/metrics"
	"transit-graph/internal/model"
)

// ErrBadStatus：上游返回非 2xx
var ErrBadStatus = errors.New("bad upstream status")

// Payload：一次完整拉取的结果
type Payload struct {
	Stops   []model.Stop
	Routes  []model.Route
	Flights []model.Flight
}

type stopDTO struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	City   string  `json:"city"`
	CityID string  `json:"city_id"`
}

type routeDTO struct {
	ID              string  `json:"id"`
	FromStopID      string  `json:"from_stop_id"`
	ToStopID        string  `json:"to_stop_id"`
	TransportMode   string  `json:"transport_mode"`
	DistanceKm      float64 `json:"distance_km"`
	DurationMinutes int     `json:"duration_minutes"`
}

type flightDTO struct {
	ID            string    `json:"id"`
	RouteID       string    `json:"route_id"`
	FromStopID    string    `json:"from_stop_id"`
	ToStopID      string    `json:"to_stop_id"`
	DepartureTime time.Time `json:"departure_time"`
	ArrivalTime   time.Time `json:"arrival_time"`
	DaysOfWeek    string    `json:"days_of_week"`
	Price         float64   `json:"price"`
}

// Fetcher：同步阶段依赖的拉取契约
type Fetcher interface {
	FetchAll(ctx context.Context) (*Payload, error)
}

// 文档注释：上游 HTTP 客户端
// 背景：上游按实体分别提供 /stops、/routes、/flights；响应为 JSON 数组或 OData 包装 {"value":[...]}。
// 约束：整体拉取受 timeout 限制，超时视为拉取失败；任一端点失败则整体失败，不返回部分结果。
type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// NewClient：client 为空时使用默认客户端
func NewClient(baseURL string, timeout time.Duration, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), timeout: timeout, client: client}
}

// FetchAll：依次拉取三类实体并转换为模型
func (c *Client) FetchAll(ctx context.Context) (*Payload, error) {
	if c.baseURL == "" {
		return nil, errors.New("source base url not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	t0 := time.Now()
	p, err := c.fetchAll(ctx)
	metrics.SourceFetchDurationMs.Observe(float64(time.Since(t0).Milliseconds()))
	if err != nil {
		metrics.SourceFetchFailTotal.Inc()
		logger.L().Error("source_fetch_error", "err", err)
		return nil, err
	}
	logger.L().Info("source_fetch_ok", "stops", len(p.Stops), "routes", len(p.Routes), "flights", len(p.Flights),
		"duration_ms", time.Since(t0).Milliseconds())
	return p, nil
}

func (c *Client) fetchAll(ctx context.Context) (*Payload, error) {
	stops, err := fetchEntity[stopDTO](ctx, c, "stops")
	if err != nil {
		return nil, err
	}
	routes, err := fetchEntity[routeDTO](ctx, c, "routes")
	if err != nil {
		return nil, err
	}
	flights, err := fetchEntity[flightDTO](ctx, c, "flights")
	if err != nil {
		return nil, err
	}
	p := &Payload{
		Stops:   make([]model.Stop, 0, len(stops)),
		Routes:  make([]model.Route, 0, len(routes)),
		Flights: make([]model.Flight, 0, len(flights)),
	}
	for _, s := range stops {
		p.Stops = append(p.Stops, model.Stop{ID: s.ID, Name: s.Name, Coordinates: model.Coordinates{Lat: s.Lat, Lon: s.Lon},
			City: s.City, CityID: s.CityID, Kind: model.KindReal})
	}
	for _, r := range routes {
		p.Routes = append(p.Routes, model.Route{ID: r.ID, FromStopID: r.FromStopID, ToStopID: r.ToStopID, TransportMode: r.TransportMode,
			DistanceKm: r.DistanceKm, DurationMinutes: r.DurationMinutes, Kind: model.KindReal})
	}
	for _, f := range flights {
		p.Flights = append(p.Flights, model.Flight{ID: f.ID, RouteID: f.RouteID, FromStopID: f.FromStopID, ToStopID: f.ToStopID,
			DepartureTime: f.DepartureTime, ArrivalTime: f.ArrivalTime, DaysOfWeek: f.DaysOfWeek, Price: f.Price})
	}
	return p, nil
}

// 单个实体最多跟随的分页数
const maxPages = 10000

// 文档注释：拉取一个实体集合的全部分页
// 约束：跟随 OData @odata.nextLink（相对地址按当前页解析）直到缺失；任何一页失败整体失败，
// 不返回截断的集合；重复的 nextLink 或超出页数上限视为错误。
func fetchEntity[T any](ctx context.Context, c *Client, entity string) ([]T, error) {
	var out []T
	link := c.baseURL + "/" + entity
	seen := map[string]bool{}
	for page := 1; link != ""; page++ {
		if page > maxPages || seen[link] {
			return nil, fmt.Errorf("fetch %s: pagination did not terminate at %s", entity, link)
		}
		seen[link] = true
		body, err := c.get(ctx, entity, link)
		if err != nil {
			return nil, err
		}
		var items []T
		next, err := decodeCollection(body, &items)
		if err != nil {
			return nil, fmt.Errorf("decode %s page %d: %w", entity, page, err)
		}
		out = append(out, items...)
		if next != "" {
			if next, err = resolveLink(link, next); err != nil {
				return nil, fmt.Errorf("fetch %s: %w", entity, err)
			}
			logger.L().Debug("source_next_page", "entity", entity, "page", page+1)
		}
		link = next
	}
	return out, nil
}

func resolveLink(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("bad next link %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

func (c *Client) get(ctx context.Context, entity, link string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", entity, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: %w: %d", entity, ErrBadStatus, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", entity, err)
	}
	return body, nil
}

// decodeCollection：接受 JSON 数组或 OData {"value":[...]} 包装；返回下一页地址（v4 @odata.nextLink 或 v3 odata.nextLink）
func decodeCollection(body []byte, dst any) (string, error) {
	trimmed := bytes.TrimSpace(body)
	var next string
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env struct {
			Value    json.RawMessage `json:"value"`
			NextLink string          `json:"@odata.nextLink"`
			NextV3   string          `json:"odata.nextLink"`
		}
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return "", err
		}
		if env.Value == nil {
			return "", errors.New("object response without value array")
		}
		trimmed = env.Value
		next = env.NextLink
		if next == "" {
			next = env.NextV3
		}
	}
	return next, json.Unmarshal(trimmed, dst)
}
