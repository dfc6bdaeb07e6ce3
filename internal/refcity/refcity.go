// 包 refcity：服务区域的参考城市目录（静态、带版本），提供归一化与成员判定
package refcity

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
	"transit-graph/internal/geo"
	"transit-graph/internal/model"
)

//go:embed cities.yaml
var defaultCities []byte

// City：参考城市
type City struct {
	Name    string   `yaml:"name" validate:"required"`
	Lat     float64  `yaml:"lat" validate:"latitude"`
	Lon     float64  `yaml:"lon" validate:"longitude"`
	Aliases []string `yaml:"aliases"`
}

func (c City) Coordinates() model.Coordinates { return model.Coordinates{Lat: c.Lat, Lon: c.Lon} }

// Key：城市的归一化键
func (c City) Key() string { return geo.NormalizeCity(c.Name) }

type file struct {
	Region  string `yaml:"region" validate:"required"`
	Version string `yaml:"version" validate:"required"`
	Hub     string `yaml:"hub"`
	Cities  []City `yaml:"cities" validate:"required,min=1,dive"`
}

// 文档注释：参考城市目录
// 背景：虚拟站点/线路的生成以该列表为准；列表随版本发布，不在运行期修改。
// 约束：城市名与别名归一化后必须唯一；Cities 保持文件中的顺序，连通性扫描按此顺序枚举城市对。
type Directory struct {
	Region  string
	Version string
	hub     string
	cities  []City
	byKey   map[string]int
}

// Load：读取目录文件；path 为空时使用内置列表
func Load(path string) (*Directory, error) {
	data := defaultCities
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read reference cities: %w", err)
		}
		data = b
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse reference cities: %w", err)
	}
	if err := validator.New().Struct(f); err != nil {
		return nil, fmt.Errorf("validate reference cities: %w", err)
	}
	return New(f.Region, f.Version, f.Hub, f.Cities)
}

// New：由内存列表构造目录（测试与自定义区域使用）
func New(region, version, hub string, cities []City) (*Directory, error) {
	d := &Directory{Region: region, Version: version, hub: hub, byKey: make(map[string]int)}
	for _, c := range cities {
		if c.Name == "" {
			return nil, errors.New("reference city without name")
		}
		idx := len(d.cities)
		d.cities = append(d.cities, c)
		for _, n := range append([]string{c.Name}, c.Aliases...) {
			k := geo.NormalizeCity(n)
			if prev, ok := d.byKey[k]; ok && prev != idx {
				return nil, fmt.Errorf("duplicate reference city key %q", k)
			}
			d.byKey[k] = idx
		}
	}
	if hub != "" {
		if _, ok := d.Lookup(hub); !ok {
			return nil, fmt.Errorf("hub city %q is not a reference city", hub)
		}
	}
	return d, nil
}

// Normalize：与目录一致的归一化函数
func (d *Directory) Normalize(name string) string { return geo.NormalizeCity(name) }

// Cities：按文件顺序返回全部参考城市（副本）
func (d *Directory) Cities() []City {
	out := make([]City, len(d.cities))
	copy(out, d.cities)
	return out
}

// Lookup：按名称或别名查找参考城市
func (d *Directory) Lookup(name string) (City, bool) {
	i, ok := d.byKey[geo.NormalizeCity(name)]
	if !ok {
		return City{}, false
	}
	return d.cities[i], true
}

// IsReferenceCity：成员判定
func (d *Directory) IsReferenceCity(name string) bool {
	_, ok := d.Lookup(name)
	return ok
}

// HubName：目录中指定的枢纽城市，可能为空
func (d *Directory) HubName() string { return d.hub }

// Resolve：将任意写法的城市名映射为参考城市的规范键；非参考城市返回归一化结果本身
func (d *Directory) Resolve(name string) string {
	if c, ok := d.Lookup(name); ok {
		return c.Key()
	}
	return geo.NormalizeCity(name)
}

// 文档注释：确定站点所属城市键
// 约束：city 非空时直接 Resolve；为空时在归一化站名中查找参考城市名或别名，按文件顺序取第一个命中；均未命中返回空串。
func (d *Directory) Attribute(city, stopName string) string {
	if strings.TrimSpace(city) != "" {
		return d.Resolve(city)
	}
	words := strings.FieldsFunc(geo.NormalizeCity(stopName), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	name := " " + strings.Join(words, " ") + " "
	for _, c := range d.cities {
		for _, alias := range append([]string{c.Name}, c.Aliases...) {
			k := geo.NormalizeCity(alias)
			if k != "" && strings.Contains(name, " "+k+" ") {
				return c.Key()
			}
		}
	}
	return ""
}
