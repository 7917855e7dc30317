package agent

import (
	"encoding/json"

	"github.com/devskill-org/microgrid-coordinator/bidding"
	"github.com/devskill-org/microgrid-coordinator/period"
	"github.com/devskill-org/microgrid-coordinator/protocol"
)

// peekHeader reads only the header fields (message_type, message_sender,
// message_target, message_subject) from an envelope payload, tolerating the rest of the document's fields — unlike
// protocol.Decode, which rejects unknown fields once the target type is
// known, dispatch must inspect the header before it knows the target type.
func peekHeader(payload []byte) (protocol.Header, error) {
	var hdr protocol.Header
	err := json.Unmarshal(payload, &hdr)
	return hdr, err
}

// bidManagerForSide returns the per-side bid manager a period tracks for
// side.
func bidManagerForSide(p *period.Period, side protocol.BidSide) *bidding.Manager {
	switch side {
	case protocol.SideSupply:
		return p.SupplyBidManager
	case protocol.SideReserve:
		return p.ReserveBidManager
	default:
		return p.DemandBidManager
	}
}
