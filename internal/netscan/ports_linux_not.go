//go:build !linux

package netscan

import "errors"

func kernelListeners(Range) (map[int]struct{}, error) {
	return nil, errors.New("sock_diag requires linux")
}
