// Package validation checks transport-level accounting invariants on test
// clients after traffic has run.
package validation

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rcstress/internal/client"
)

// TransportValidation verifies post/completion accounting on a client.
type TransportValidation struct{}

// New returns a TransportValidation.
func New() *TransportValidation {
	return &TransportValidation{}
}

// ValidateClient checks that no QP reports more completions than posts.
func (v *TransportValidation) ValidateClient(c *client.Client) error {
	for qpID := uint32(0); qpID < c.NumQPs(); qpID++ {
		qps := c.GetQpState(qpID)
		if qps.OpsCompleted() > qps.OpsPosted() {
			return fmt.Errorf("client %d qp %d: %d completions for %d posted ops",
				c.ClientID(), qpID, qps.OpsCompleted(), qps.OpsPosted())
		}
	}
	log.Debug().Int("client_id", c.ClientID()).Msg("Transport accounting validated")
	return nil
}

// ValidateQuiescence checks that the client has fully quiesced: nothing in
// flight and every posted operation completed.
func (v *TransportValidation) ValidateQuiescence(c *client.Client) error {
	if pending := c.PendingOpCount(); pending > 0 {
		return fmt.Errorf("client %d: %d operations still in flight", c.ClientID(), pending)
	}
	for qpID := uint32(0); qpID < c.NumQPs(); qpID++ {
		qps := c.GetQpState(qpID)
		if qps.OpsCompleted() != qps.OpsPosted() {
			return fmt.Errorf("client %d qp %d: %d of %d posted ops completed",
				c.ClientID(), qpID, qps.OpsCompleted(), qps.OpsPosted())
		}
	}
	return nil
}
