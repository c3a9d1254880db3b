package cbson

import "errors"

var (
	ErrBufferTooSmall   = errors.New("cbson: destination buffer too small")
	ErrUnknownField     = errors.New("cbson: unknown field id")
	ErrMalformedDocument = errors.New("cbson: malformed document")
	ErrUnknownTypeCode  = errors.New("cbson: unknown type code")
)
