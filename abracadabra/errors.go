package abracadabra

import "errors"

// ErrCorruptInput marks audio whose non-finite sample ratio exceeds the
// configured tolerance. Isolated bad samples are zeroed and counted, not
// reported.
var ErrCorruptInput = errors.New("corrupt input: too many non-finite samples")
