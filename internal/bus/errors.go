package bus

import "errors"

var (
	// ErrUnsupportedMessageID reports a message id with no handler.
	// Port handlers return it so the endpoint can answer the peer with
	// a wire error response.
	ErrUnsupportedMessageID = errors.New("unsupported message id")

	// ErrTransportTimeout reports that a send exhausted its bounded
	// retry budget waiting for ring space or for a response. The error
	// is fatal for the endpoint but must never take down the host
	// process; the owning proxy isolates the failure.
	ErrTransportTimeout = errors.New("transport timeout")

	// ErrPeerProtocolViolation reports a peer that broke the protocol:
	// a mismatched device id at probe time, or an operation that is not
	// permitted in the current state.
	ErrPeerProtocolViolation = errors.New("peer protocol violation")

	// ErrTranslationFailed reports a failed IOMMU translation.
	ErrTranslationFailed = errors.New("iommu translation failed")

	// ErrRingOverflow reports an out-of-order queue that exceeded its
	// fixed depth.
	ErrRingOverflow = errors.New("out-of-order ring overflow")

	// ErrCarrierClosed reports use of an endpoint whose carrier has
	// shut down.
	ErrCarrierClosed = errors.New("carrier closed")
)
