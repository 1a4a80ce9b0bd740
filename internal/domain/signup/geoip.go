// geoip.go — геопривязка IP через базу MaxMind.
package signup

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoResolver — обёртка над geoip2.Reader. Открытая база держится весь срок
// жизни демона; Lookup потокобезопасен, но у нас вызывается только из
// диспетчера.
type GeoResolver struct {
	reader *geoip2.Reader
}

// NewGeoResolver открывает базу MaxMind по указанному пути.
func NewGeoResolver(path string) (*GeoResolver, error) {
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &GeoResolver{reader: r}, nil
}

// Close освобождает файл базы.
func (g *GeoResolver) Close() error {
	if g == nil || g.reader == nil {
		return nil
	}
	return g.reader.Close()
}

// Lookup возвращает страну, город и список субрегионов для IP.
// Имена берутся в английской локали — так же они пишутся в правилах.
func (g *GeoResolver) Lookup(ip string) (*GeoInfo, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("invalid ip %q", ip)
	}
	record, err := g.reader.City(parsed)
	if err != nil {
		return nil, err
	}

	info := &GeoInfo{
		Country: record.Country.Names["en"],
		City:    record.City.Names["en"],
	}
	for _, sub := range record.Subdivisions {
		if name := sub.Names["en"]; name != "" {
			info.Subdivisions = append(info.Subdivisions, name)
		}
	}
	return info, nil
}
