// 包 synthesis：连通性合成阶段。为参考城市补齐虚拟站点、虚拟线路与虚拟航班
package synthesis

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"transit-graph/internal/config"
)

// Options：合成参数；零值字段取默认值，MinMinutes/DefaultPrice 设为 Disabled 表示不设下限、票价为 0
type Options struct {
	HubCity       string
	Slots         []Slot
	Location      *time.Location
	HorizonDays   int
	DefaultPrice  float64
	SpeedKmh      float64
	MinMinutes    int
	FullMeshLimit int
	FlushSize     int
}

// Disabled：显式关闭时长下限或默认票价，区别于未设置的零值
const Disabled = -1

// Slot：当地时间的每日发车时刻
type Slot struct{ Hour, Minute int }

// ParseSlot："HH:MM"
func ParseSlot(s string) (Slot, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return Slot{}, fmt.Errorf("flight slot %q: %w", s, err)
	}
	return Slot{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// OptionsFromConfig：时区与时段在此解析，非法值直接报错
func OptionsFromConfig(c config.Config) (Options, error) {
	loc, err := c.Location()
	if err != nil {
		return Options{}, err
	}
	o := Options{
		HubCity:       c.HubCity,
		Location:      loc,
		HorizonDays:   c.FlightHorizonDays,
		DefaultPrice:  c.VirtualPrice,
		SpeedKmh:      c.VirtualSpeedKmh,
		MinMinutes:    c.VirtualMinMinutes,
		FullMeshLimit: c.FullMeshLimit,
		FlushSize:     c.BatchSize,
	}
	// 配置中显式写 0 即关闭
	if o.MinMinutes == 0 {
		o.MinMinutes = Disabled
	}
	if o.DefaultPrice == 0 {
		o.DefaultPrice = Disabled
	}
	for _, s := range c.FlightSlots {
		slot, err := ParseSlot(s)
		if err != nil {
			return Options{}, err
		}
		o.Slots = append(o.Slots, slot)
	}
	return o, nil
}

func (o Options) withDefaults() Options {
	d := config.Default()
	if o.Location == nil {
		o.Location = time.UTC
	}
	if len(o.Slots) == 0 {
		o.Slots = []Slot{{8, 0}, {16, 0}}
	}
	if o.HorizonDays <= 0 {
		o.HorizonDays = d.FlightHorizonDays
	}
	if o.SpeedKmh <= 0 {
		o.SpeedKmh = d.VirtualSpeedKmh
	}
	switch {
	case o.MinMinutes == 0:
		o.MinMinutes = d.VirtualMinMinutes
	case o.MinMinutes < 0:
		o.MinMinutes = 0
	}
	switch {
	case o.DefaultPrice == 0:
		o.DefaultPrice = d.VirtualPrice
	case o.DefaultPrice < 0:
		o.DefaultPrice = 0
	}
	if o.FullMeshLimit < 2 {
		o.FullMeshLimit = d.FullMeshLimit
	}
	if o.FlushSize <= 0 {
		o.FlushSize = d.BatchSize
	}
	return o
}
