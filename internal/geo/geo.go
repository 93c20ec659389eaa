// Package geo looks up proxy locations in a local MaxMind database.
package geo

import (
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// Location is where an address is registered. Fields are empty when unknown.
type Location struct {
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
}

// Lookup returns the location of host. It is how reports consume a DB.
type Lookup func(host string) Location

// DB is a GeoLite2/GeoIP2 City or Country database.
type DB struct {
	reader *geoip2.Reader
	city   bool
}

// Open opens the database at path.
func Open(path string) (*DB, error) {
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database %s: %w", path, err)
	}
	return &DB{
		reader: r,
		city:   strings.Contains(r.Metadata().DatabaseType, "City"),
	}, nil
}

// Lookup returns host's location. Hosts that are not IP addresses, and
// addresses missing from the database, yield an empty Location.
func (db *DB) Lookup(host string) Location {
	ip := net.ParseIP(host)
	if ip == nil || db == nil || db.reader == nil {
		return Location{}
	}

	if db.city {
		rec, err := db.reader.City(ip)
		if err != nil {
			return Location{}
		}
		return Location{Country: rec.Country.IsoCode, City: rec.City.Names["en"]}
	}

	rec, err := db.reader.Country(ip)
	if err != nil {
		return Location{}
	}
	return Location{Country: rec.Country.IsoCode}
}

func (db *DB) Close() error {
	if db == nil || db.reader == nil {
		return nil
	}
	return db.reader.Close()
}
