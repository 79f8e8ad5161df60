package wallet

const (
	operationHold    = "hold"
	operationCharge  = "charge"
	operationRelease = "release"
	operationTopup   = "topup"

	operationStatusOK      = "ok"
	operationStatusError   = "error"
	operationStatusReplay  = "replay"
	operationStatusPartial = "partial"
)
