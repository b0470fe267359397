// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package servicebus

import (
	"net/url"
	"strings"
)

// ConnectionStringProperties are the fields of a namespace connection string.
type ConnectionStringProperties struct {
	// Endpoint is the raw Endpoint value, e.g. sb://ns.servicebus.windows.net/.
	Endpoint string
	// FullyQualifiedNamespace is the host portion of Endpoint.
	FullyQualifiedNamespace string
	SharedAccessKeyName     string
	SharedAccessKey         string
	// EntityPath is empty when the string carries no EntityPath.
	EntityPath string
}

// ParseConnectionString parses a connection string of the form
//
//	Endpoint=sb://<namespace>/;SharedAccessKeyName=<policy>;SharedAccessKey=<key>[;EntityPath=<name>]
//
// SharedAccessKeyValue is accepted as an alias of SharedAccessKey. Keys are matched
// case-insensitively and values are split at the first '=' only.
func ParseConnectionString(connStr string) (ConnectionStringProperties, error) {
	var props ConnectionStringProperties

	for _, segment := range strings.Split(connStr, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}

		key, value, ok := strings.Cut(segment, "=")
		if !ok {
			return ConnectionStringProperties{}, newError(ParseError, "segment without '='", nil)
		}

		switch strings.ToLower(strings.TrimSpace(key)) {
		case "endpoint":
			props.Endpoint = strings.TrimSpace(value)
		case "sharedaccesskeyname":
			props.SharedAccessKeyName = value
		case "sharedaccesskey", "sharedaccesskeyvalue":
			props.SharedAccessKey = value
		case "entitypath":
			props.EntityPath = value
		}
	}

	switch {
	case props.Endpoint == "":
		return ConnectionStringProperties{}, newError(ParseError, "missing Endpoint", nil)
	case props.SharedAccessKeyName == "":
		return ConnectionStringProperties{}, newError(ParseError, "missing SharedAccessKeyName", nil)
	case props.SharedAccessKey == "":
		return ConnectionStringProperties{}, newError(ParseError, "missing SharedAccessKey", nil)
	}

	host, err := namespaceFromEndpoint(props.Endpoint)
	if err != nil {
		return ConnectionStringProperties{}, err
	}
	props.FullyQualifiedNamespace = host

	return props, nil
}

// namespaceFromEndpoint extracts the host from an endpoint. sb:// endpoints drop any port,
// other schemes keep it so local brokers on custom ports stay reachable.
func namespaceFromEndpoint(endpoint string) (string, error) {
	if !strings.Contains(endpoint, "://") {
		host := strings.TrimRight(endpoint, "/")
		if host == "" {
			return "", newError(ParseError, "empty Endpoint host", nil)
		}
		return host, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", newError(ParseError, "malformed Endpoint", err)
	}
	if u.Host == "" {
		return "", newError(ParseError, "empty Endpoint host", nil)
	}
	if strings.EqualFold(u.Scheme, "sb") {
		return u.Hostname(), nil
	}
	return u.Host, nil
}
