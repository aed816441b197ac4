//go:build !windows
// +build !windows

package common

import (
	"net/http"
	"net/url"
)

func GetProxyFunc() func(*http.Request) (*url.URL, error) {
	return http.ProxyFromEnvironment
}
