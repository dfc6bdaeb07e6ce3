package synthesis

import (
	"encoding/json"
	"strconv"
	"time"

	"transit-graph/internal/ids"
	"transit-graph/internal/model"
)

// RoutePrice：线路元数据中的 price，缺失或非法时取默认价
func RoutePrice(r model.Route, def float64) float64 {
	switch v := r.Metadata["price"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// isoWeekday：周一=1 … 周日=7
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// 文档注释：为一条虚拟线路生成航班
// 约束：day 0 为 base 所在当地日期；每日按 Slots 顺序出发；ID 由 (线路, 日偏移, 时段序号) 确定，重跑结果一致。
func (o Options) flightsFor(r model.Route, base time.Time, emit func(model.Flight) error) error {
	local := base.In(o.Location)
	y, m, d := local.Date()
	price := RoutePrice(r, o.DefaultPrice)
	dur := time.Duration(r.DurationMinutes) * time.Minute
	for day := 0; day < o.HorizonDays; day++ {
		for i, slot := range o.Slots {
			dep := time.Date(y, m, d+day, slot.Hour, slot.Minute, 0, 0, o.Location)
			f := model.Flight{
				ID:            ids.VirtualFlight(r.ID, day, i),
				RouteID:       r.ID,
				FromStopID:    r.FromStopID,
				ToStopID:      r.ToStopID,
				DepartureTime: dep,
				ArrivalTime:   dep.Add(dur),
				DaysOfWeek:    strconv.Itoa(isoWeekday(dep)),
				Price:         price,
				IsVirtual:     true,
			}
			if err := emit(f); err != nil {
				return err
			}
		}
	}
	return nil
}
