// Package transport implements the USB side of the bootloader: the
// configuration lifecycle, the control request decoder and the framing of
// request and response messages.
//
// The device layer is reached only through the narrow [Stack] interface.
// Stack events are handed to [Transport.HandleEvent]; [Transport.Tasks]
// advances the lifecycle once per scheduler tick:
//
//	Init → AwaitingConfiguration → Running
//
// Messages travel in vendor control transfers. Request 0x20 carries a request
// frame to the device, request 0x21 collects the pending response frame:
//
//	request:  0x5A token cmd(LE16) len(LE16) payload… 0xA5
//	response: 0x5A token cmd(LE16) len(LE16) rc flags payload… 0xA5
//
// At most one response frame is held. The DFU runtime requests DETACH and
// GETSTATUS are answered on the configured DFU interface.
package transport
