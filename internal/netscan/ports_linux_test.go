//go:build linux

package netscan

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInetDiagReqSize(t *testing.T) {
	t.Parallel()
	// sizeof(struct inet_diag_req_v2)
	require.Equal(t, 56, binary.Size(inetDiagReqV2{}))
}

func TestKernelListeners(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	port := netip.MustParseAddrPort(ln.Addr().String()).Port()

	r := Range{First: port, Last: port}
	ports, err := kernelListeners(r)
	if err != nil {
		t.Skipf("sock_diag not accessible: %v", err)
	}
	require.Equal(t, map[int]struct{}{int(port): {}}, ports)
}
