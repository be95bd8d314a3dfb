package abi

// INT 21h function numbers, selected by AH.
const (
	FnTerminateLegacy = 0x00
	FnReadCharEcho    = 0x01
	FnOutputChar      = 0x02
	FnPrintString     = 0x09
	FnSetVector       = 0x25
	FnGetDate         = 0x2a
	FnGetTime         = 0x2c
	FnGetVersion      = 0x30
	FnGetVector       = 0x35
	FnOpen            = 0x3d
	FnClose           = 0x3e
	FnRead            = 0x3f
	FnWrite           = 0x40
	FnSeek            = 0x42
	FnIOCTL           = 0x44
	FnAllocate        = 0x48
	FnFree            = 0x49
	FnResize          = 0x4a
	FnTerminate       = 0x4c
	FnGetReturnCode   = 0x4d
	FnGetPSP          = 0x62
	FnLeadByteTable   = 0x63
)

// Native kernel calls, selected by EAX. They sit beside the DOS table
// for programs written against the kernel directly.
const (
	NativeExit    = 0x00
	NativeSleep   = 0x05
	NativeYield   = 0x06
	NativeSend    = 0x10
	NativeReceive = 0x11
	NativeDebug   = 0xffff
)

// Interrupt vectors the DOS environment reserves.
const (
	VectorDosAPI        = 0x21
	VectorTerminate     = 0x22
	VectorCtrlBreak     = 0x23
	VectorCriticalError = 0x24
)
