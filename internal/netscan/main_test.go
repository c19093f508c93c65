package netscan_test

import (
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"testing"
)

var (
	ipv4 netip.AddrPort
	ipv6 netip.AddrPort // zero when the host has no ipv6 loopback
)

func TestMain(m *testing.M) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv4 := httptest.NewServer(handler)
	ipv4 = netip.MustParseAddrPort(srv4.Listener.Addr().String())

	var srv6 *httptest.Server
	if ln6, err := net.Listen("tcp6", "[::1]:0"); err == nil {
		srv6 = httptest.NewUnstartedServer(handler)
		srv6.Listener = ln6
		srv6.Start()
		ipv6 = netip.MustParseAddrPort(srv6.Listener.Addr().String())
	} else {
		log.Printf("ipv6 loopback not available: %v", err)
	}

	ret := m.Run()
	srv4.Close()
	if srv6 != nil {
		srv6.Close()
	}
	os.Exit(ret)
}
