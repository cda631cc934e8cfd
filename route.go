package glide

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Route overrides where a command is sent. A nil Route lets the client
// decide from the command's keys.
type Route interface {
	isRoute()
}

type SimpleRoute int

const (
	RandomNode SimpleRoute = iota
	AllPrimaries
	AllNodes
)

func (SimpleRoute) isRoute() {}

func (r SimpleRoute) String() string {
	switch r {
	case AllPrimaries:
		return "allPrimaries"
	case AllNodes:
		return "allNodes"
	}
	return "randomNode"
}

// SlotKeyRoute sends the command to the shard owning Key.
type SlotKeyRoute struct {
	Key     string
	Replica bool
}

func (SlotKeyRoute) isRoute() {}

// SlotIDRoute sends the command to the shard owning Slot.
type SlotIDRoute struct {
	Slot    int
	Replica bool
}

func (SlotIDRoute) isRoute() {}

// ByAddressRoute sends the command to one node.
type ByAddressRoute struct {
	Host string
	Port int
}

func (ByAddressRoute) isRoute() {}

func (r ByAddressRoute) String() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// ParseRoute reads the textual routes bindings pass in: randomNode,
// allPrimaries, allNodes, primarySlotKey:<key>, replicaSlotKey:<key>,
// primarySlotId:<n>, replicaSlotId:<n> or host:port.
func ParseRoute(s string) (Route, error) {
	switch s {
	case "randomNode":
		return RandomNode, nil
	case "allPrimaries":
		return AllPrimaries, nil
	case "allNodes":
		return AllNodes, nil
	}
	if kind, arg, ok := strings.Cut(s, ":"); ok {
		switch kind {
		case "primarySlotKey", "replicaSlotKey":
			return SlotKeyRoute{Key: arg, Replica: kind == "replicaSlotKey"}, nil
		case "primarySlotId", "replicaSlotId":
			slot, err := strconv.Atoi(arg)
			if err != nil || slot < 0 || slot >= SlotCount {
				return nil, fmt.Errorf("invalid slot in route %q", s)
			}
			return SlotIDRoute{Slot: slot, Replica: kind == "replicaSlotId"}, nil
		}
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return nil, fmt.Errorf("unknown route %q", s)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return nil, fmt.Errorf("invalid port in route %q", s)
	}
	return ByAddressRoute{Host: host, Port: p}, nil
}
