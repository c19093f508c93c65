//go:build linux

package netscan

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// from include/net/tcp_states.h
const tcpListen = 10

// offset of idiag_sport in inet_diag_msg
const sportOffset = 4

// inet_diag_req_v2 from linux/inet_diag.h
type inetDiagReqV2 struct {
	Family   uint8
	Protocol uint8
	Ext      uint8
	Pad      uint8
	States   uint32
	ID       inetDiagSockID
}

// inet_diag_sockid, ports and addresses in network byte order
type inetDiagSockID struct {
	SPort  [2]byte
	DPort  [2]byte
	Src    [16]byte
	Dst    [16]byte
	If     uint32
	Cookie [2]uint32
}

// kernelListeners dumps listening TCP sockets of both address families over
// netlink sock_diag and returns their ports within r. It fails when netlink
// is not accessible, in containers without NET_ADMIN for example.
func kernelListeners(r Range) (map[int]struct{}, error) {
	conn, err := netlink.Dial(unix.NETLINK_SOCK_DIAG, nil)
	if err != nil {
		return nil, fmt.Errorf("dial sock_diag: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	ret := make(map[int]struct{})
	for _, family := range []uint8{unix.AF_INET, unix.AF_INET6} {
		if err := dumpListeners(conn, family, r, ret); err != nil {
			return nil, fmt.Errorf("sock_diag family %d: %w", family, err)
		}
	}
	return ret, nil
}

func dumpListeners(conn *netlink.Conn, family uint8, r Range, into map[int]struct{}) error {
	req := inetDiagReqV2{
		Family:   family,
		Protocol: unix.IPPROTO_TCP,
		States:   1 << tcpListen,
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.NativeEndian, req); err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	replies, err := conn.Execute(netlink.Message{
		Header: netlink.Header{
			Type:  unix.SOCK_DIAG_BY_FAMILY,
			Flags: netlink.Request | netlink.Dump,
		},
		Data: buf.Bytes(),
	})
	if err != nil {
		return err
	}

	for _, m := range replies {
		if m.Header.Type == netlink.Done || len(m.Data) < sportOffset+2 {
			continue
		}
		// ports are in network byte order
		port := binary.BigEndian.Uint16(m.Data[sportOffset:])
		if r.Contains(port) {
			into[int(port)] = struct{}{}
		}
	}
	return nil
}
