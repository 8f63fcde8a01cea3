package accounting

import (
	"github.com/WebFirstLanguage/weeb3/pkg/constants"
	"github.com/WebFirstLanguage/weeb3/pkg/swarm"
)

// Pricer computes what a peer charges for delivering a chunk.
type Pricer interface {
	Price(overlay []byte, addr swarm.Address) uint64
}

// ProximityPricer charges less the closer the peer is to the chunk:
// (MaxPO - po + 1) * BasePrice.
type ProximityPricer struct {
	BasePrice uint64
}

// Price implements Pricer.
func (p ProximityPricer) Price(overlay []byte, addr swarm.Address) uint64 {
	po := uint64(swarm.Proximity(overlay, addr[:]))
	return (constants.MaxPO - po + 1) * p.BasePrice
}

// FixedPricer charges the same for every chunk.
type FixedPricer uint64

// Price implements Pricer.
func (p FixedPricer) Price([]byte, swarm.Address) uint64 { return uint64(p) }
