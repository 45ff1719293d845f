package txbuffer

import "fmt"

// Identifier names a downlink HARQ process across retransmissions. The zero
// value is the transient identifier used by non-retransmittable reservations.
type Identifier struct {
	Endpoint uint16 `json:"endpoint"` // RNTI of the transmission endpoint
	HarqID   uint8  `json:"h_id"`
}

// TransientID is the null identifier.
var TransientID = Identifier{}

func (id Identifier) IsTransient() bool { return id == TransientID }

func (id Identifier) String() string {
	return fmt.Sprintf("endpoint=%#x h_id=%d", id.Endpoint, id.HarqID)
}
