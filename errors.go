package kiln

import "errors"

var (
	ErrClosed            = errors.New("kiln: context is closed")
	ErrBootstrapConflict = errors.New("kiln: process bootstrap already ran with different settings")
	ErrAccelInitialized  = errors.New("kiln: accelerator already initialized")
	ErrAccelUnknown      = errors.New("kiln: accelerator not registered")
	ErrNoCodegen         = errors.New("kiln: accelerator has no code generator attached")
	ErrNilAccelerator    = errors.New("kiln: nil accelerator")
	ErrBadArtifact       = errors.New("kiln: artifact checksum mismatch")
)
