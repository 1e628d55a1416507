package market

import "errors"

// ErrInsufficientData means the collaborator has too little history for the
// symbol. The orchestrator skips the symbol for the current iteration only.
var ErrInsufficientData = errors.New("market: insufficient data")
