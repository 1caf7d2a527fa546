package common

import (
	"net/netip"
	"net/url"
	"strings"
)

var HeaderValueContentTypeJSON = []string{ContentTypeJSON}

func RelURL(prefix, url string) string {
	url = strings.TrimPrefix(url, "/")
	p := strings.Trim(prefix, "/")
	if len(p) == 0 {
		return "/" + url
	}
	return "/" + p + "/" + url
}

func ParseBoolean(value string) bool {
	switch value {
	case "1", "Y", "y", "yes", "Yes", "true":
		return true
	default:
		return false
	}
}

func ParseDomainName(input string) (string, error) {
	parsedURL, err := url.Parse(input)
	if err != nil {
		return "", err
	}

	domain := parsedURL.Host
	if domain == "" {
		domain = input
	}

	if slashIndex := strings.LastIndex(domain, "/"); slashIndex != -1 {
		domain = domain[:slashIndex]
	}

	if colonIndex := strings.LastIndex(domain, ":"); colonIndex != -1 {
		domain = domain[:colonIndex]
	}

	return domain, nil
}

func IsLocalhost(address string) bool {
	if address == "localhost" {
		return true
	}
	addr, err := netip.ParseAddr(address)
	return err == nil && addr.IsLoopback()
}

func IsSubDomainOrDomain(subDomain, domain string) bool {
	if len(subDomain) == 0 || len(domain) == 0 {
		return false
	}

	if len(subDomain) < len(domain) {
		return false
	}

	if strings.HasSuffix(subDomain, domain) {
		if lenDiff := len(subDomain) - len(domain); lenDiff > 0 {
			prefix := subDomain[:lenDiff]
			return strings.HasSuffix(prefix, ".") && lenDiff > 1
		}

		return true
	}

	return false
}
