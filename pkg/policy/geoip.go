package policy

import (
	"net/netip"

	"github.com/oschwald/geoip2-golang"
)

// MaxMindCountryLookup resolves countries from a MaxMind GeoLite2/GeoIP2
// Country database, the same reader the mapleapps backend uses for its
// signup-abuse geofencing.
type MaxMindCountryLookup struct {
	reader *geoip2.Reader
}

func OpenMaxMindCountryDB(path string) (*MaxMindCountryLookup, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &MaxMindCountryLookup{reader: reader}, nil
}

func (m *MaxMindCountryLookup) Country(ip netip.Addr) (string, error) {
	record, err := m.reader.Country(ip.AsSlice())
	if err != nil {
		return "", err
	}
	return record.Country.ISOCode, nil
}

func (m *MaxMindCountryLookup) Close() error {
	return m.reader.Close()
}
