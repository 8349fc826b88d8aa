package rpc

import "fmt"

// State is the enumeration of RPC lifecycle states (spec §3/§4.6).
type State int32

// Client RPCs traverse Outgoing -> Incoming -> Ready -> ClientDone.
// Server RPCs traverse Incoming -> Ready -> InService -> Outgoing, then
// die implicitly once their response is fully acknowledged by silence.
const (
	Outgoing State = iota
	Incoming
	Ready
	InService
	ClientDone
)

var stateName = map[State]string{
	Outgoing:   "OUTGOING",
	Incoming:   "INCOMING",
	Ready:      "READY",
	InService:  "IN_SERVICE",
	ClientDone: "CLIENT_DONE",
}

func (s State) String() string {
	name, ok := stateName[s]
	if !ok {
		return fmt.Sprintf("UNKNOWN_STATE_%d", s)
	}
	return name
}
