package tools

import "github.com/ZanzyTHEbar/support-agent/sagent/tooling"

// NewRegistry registers every customer-service tool against store.
func NewRegistry(store *CommerceStore, refunds RefundPolicy) (*tooling.Registry, error) {
	reg := tooling.NewRegistry()
	for _, t := range []tooling.Tool{
		NewOrderStatusTool(store),
		NewTrackShipmentTool(store),
		NewRefundTool(store, refunds),
		NewUpdateContactTool(store),
		NewPasswordResetTool(store),
		NewTicketTool(store),
	} {
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
