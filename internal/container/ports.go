package container

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// maxPortScan bounds the search above the base port.
const maxPortScan = 200

// AllocateHostPort picks the first port at or above basePort that no
// known container publishes and that binds locally. The bind probe
// catches ports held by unrelated processes.
func AllocateHostPort(ctx context.Context, rt Runtime, basePort int) (int, error) {
	used := make(map[int]bool)
	if containers, err := rt.List(ctx); err == nil {
		for _, info := range containers {
			if info.HostPort > 0 {
				used[info.HostPort] = true
			}
		}
	}

	for port := basePort; port < basePort+maxPortScan; port++ {
		if used[port] {
			continue
		}
		if !portBindable(port) {
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", basePort, basePort+maxPortScan-1)
}

func portBindable(port int) bool {
	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}
