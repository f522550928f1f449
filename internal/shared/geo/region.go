package geo

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/oschwald/maxminddb-golang"
	"github.com/rs/zerolog"

	"liuproxy_edge/internal/shared/logger"
)

// Region is a coarse client location used to bias NAT64 prefix choice.
type Region string

const (
	RegionCN     Region = "CN"
	RegionAsia   Region = "Asia"
	RegionEU     Region = "EU"
	RegionGlobal Region = "global"
)

var asiaCountries = map[string]bool{
	"HK": true, "MO": true, "TW": true, "JP": true, "KR": true, "SG": true, "MY": true,
	"TH": true, "VN": true, "PH": true, "ID": true, "IN": true, "MN": true,
}

var euCountries = map[string]bool{
	"AT": true, "BE": true, "BG": true, "CH": true, "CY": true, "CZ": true, "DE": true,
	"DK": true, "EE": true, "ES": true, "FI": true, "FR": true, "GB": true, "GR": true,
	"HR": true, "HU": true, "IE": true, "IS": true, "IT": true, "LT": true, "LU": true,
	"LV": true, "MT": true, "NL": true, "NO": true, "PL": true, "PT": true, "RO": true,
	"SE": true, "SI": true, "SK": true,
}

// 简化的 IPv4 首段地区表, 仅在没有国家信息时使用
var (
	cnFirstOctets = map[string]bool{"1": true, "14": true, "27": true, "36": true, "39": true, "42": true, "58": true, "59": true, "60": true, "61": true}
	euFirstOctets = map[string]bool{"2": true, "5": true, "31": true, "37": true, "46": true, "62": true}
)

// RegionForCountry maps an ISO 3166 alpha-2 code onto a Region.
func RegionForCountry(code string) Region {
	code = strings.ToUpper(strings.TrimSpace(code))
	switch {
	case code == "CN":
		return RegionCN
	case asiaCountries[code]:
		return RegionAsia
	case euCountries[code]:
		return RegionEU
	}
	return RegionGlobal
}

// RegionByPrefix is the fallback heuristic on the first IPv4 octet.
func RegionByPrefix(ip net.IP) Region {
	v4 := ip.To4()
	if v4 == nil {
		return RegionGlobal
	}
	first := fmt.Sprint(v4[0])
	switch {
	case cnFirstOctets[first]:
		return RegionCN
	case euFirstOctets[first], v4[0] >= 77 && v4[0] <= 95:
		return RegionEU
	}
	return RegionGlobal
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Continent struct {
		Code string `maxminddb:"code"`
	} `maxminddb:"continent"`
}

// Classifier resolves a client's Region from a country header, an optional
// GeoIP database and finally the first-octet heuristic.
type Classifier struct {
	db     *maxminddb.Reader
	header string
	logger zerolog.Logger
}

// NewClassifier opens dbPath when it is non-empty.
func NewClassifier(dbPath, countryHeader string) (*Classifier, error) {
	c := &Classifier{
		header: countryHeader,
		logger: logger.WithComponent("GeoIP"),
	}
	if dbPath != "" {
		db, err := maxminddb.Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open geoip database '%s': %w", dbPath, err)
		}
		c.db = db
		c.logger.Info().Str("path", dbPath).Str("type", db.Metadata.DatabaseType).Msg("GeoIP database loaded.")
	}
	return c, nil
}

// Region never fails; unknown clients are RegionGlobal.
func (c *Classifier) Region(remote net.IP, h http.Header) Region {
	if c.header != "" && h != nil {
		if code := h.Get(c.header); code != "" && code != "XX" {
			return RegionForCountry(code)
		}
	}
	if remote == nil {
		return RegionGlobal
	}
	if c.db != nil {
		var rec countryRecord
		if err := c.db.Lookup(remote, &rec); err != nil {
			c.logger.Debug().Err(err).Str("ip", remote.String()).Msg("GeoIP lookup failed.")
		} else if rec.Country.ISOCode != "" {
			if r := RegionForCountry(rec.Country.ISOCode); r != RegionGlobal {
				return r
			}
			switch rec.Continent.Code {
			case "AS":
				return RegionAsia
			case "EU":
				return RegionEU
			}
			return RegionGlobal
		}
	}
	return RegionByPrefix(remote)
}

func (c *Classifier) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}
