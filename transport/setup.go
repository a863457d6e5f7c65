package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/flashboot/pkg"
)

// Standard USB request codes handled by the transport (USB 2.0 Spec Table 9-4).
const (
	RequestGetInterface = 0x0A
	RequestSetInterface = 0x0B
)

// Vendor request codes of the bootloader sub-protocol.
const (
	// RequestDeliver carries a request frame from the host (control OUT).
	RequestDeliver = 0x20

	// RequestCollect asks the device to send its pending response frame
	// (control IN).
	RequestCollect = 0x21
)

// Request type masks (USB 2.0 Spec Table 9-2).
const (
	RequestTypeDirectionMask = 0x80 // Direction bit mask
	RequestTypeTypeMask      = 0x60 // Type bits mask
	RequestTypeRecipientMask = 0x1F // Recipient bits mask
)

// Request type direction values.
const (
	RequestDirectionHostToDevice = 0x00 // Host to device
	RequestDirectionDeviceToHost = 0x80 // Device to host
)

// Request type values.
const (
	RequestTypeStandard = 0x00 // Standard request
	RequestTypeClass    = 0x20 // Class-specific request
	RequestTypeVendor   = 0x40 // Vendor-specific request
)

// Request recipient values.
const (
	RequestRecipientDevice    = 0x00 // Device recipient
	RequestRecipientInterface = 0x01 // Interface recipient
	RequestRecipientEndpoint  = 0x02 // Endpoint recipient
	RequestRecipientOther     = 0x03 // Other recipient
)

// SetupPacket represents an 8-byte USB SETUP packet.
type SetupPacket struct {
	RequestType uint8  // bmRequestType: direction, type, recipient
	Request     uint8  // bRequest: specific request code
	Value       uint16 // wValue: request-specific parameter
	Index       uint16 // wIndex: request-specific index
	Length      uint16 // wLength: number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses a setup packet from 8 bytes into out.
// Returns an error if the data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) error {
	if len(data) < SetupPacketSize {
		return pkg.ErrSetupPacketTooShort
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:4])
	out.Index = binary.LittleEndian.Uint16(data[4:6])
	out.Length = binary.LittleEndian.Uint16(data[6:8])
	return nil
}

// MarshalTo serializes the setup packet to buf.
// Returns the number of bytes written (always 8 if buf is large enough).
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:4], s.Value)
	binary.LittleEndian.PutUint16(buf[4:6], s.Index)
	binary.LittleEndian.PutUint16(buf[6:8], s.Length)
	return SetupPacketSize
}

// Bytes returns the packet in wire order.
func (s *SetupPacket) Bytes() [SetupPacketSize]byte {
	var b [SetupPacketSize]byte
	s.MarshalTo(b[:])
	return b
}

// Direction returns the transfer direction.
func (s *SetupPacket) Direction() uint8 {
	return s.RequestType & RequestTypeDirectionMask
}

// IsDeviceToHost returns true if this is a device-to-host transfer.
func (s *SetupPacket) IsDeviceToHost() bool {
	return s.Direction() == RequestDirectionDeviceToHost
}

// IsHostToDevice returns true if this is a host-to-device transfer.
func (s *SetupPacket) IsHostToDevice() bool {
	return s.Direction() == RequestDirectionHostToDevice
}

// Type returns the request type (Standard, Class, or Vendor).
func (s *SetupPacket) Type() uint8 {
	return s.RequestType & RequestTypeTypeMask
}

// IsClass returns true if this is a class-specific request.
func (s *SetupPacket) IsClass() bool {
	return s.Type() == RequestTypeClass
}

// Recipient returns the request recipient.
func (s *SetupPacket) Recipient() uint8 {
	return s.RequestType & RequestTypeRecipientMask
}

// IsInterfaceRecipient returns true if the recipient is an interface.
func (s *SetupPacket) IsInterfaceRecipient() bool {
	return s.Recipient() == RequestRecipientInterface
}

// isClassInterface matches a class request addressed to interface iface in
// direction dir.
func (s *SetupPacket) isClassInterface(dir uint8, request uint8, iface uint16) bool {
	return s.IsClass() && s.IsInterfaceRecipient() && s.Direction() == dir &&
		s.Request == request && s.Index == iface
}

// String returns a human-readable representation of the setup packet.
func (s *SetupPacket) String() string {
	dir := "OUT"
	if s.IsDeviceToHost() {
		dir = "IN"
	}
	reqType := "Standard"
	switch s.Type() {
	case RequestTypeClass:
		reqType = "Class"
	case RequestTypeVendor:
		reqType = "Vendor"
	}
	recip := "Device"
	switch s.Recipient() {
	case RequestRecipientInterface:
		recip = "Interface"
	case RequestRecipientEndpoint:
		recip = "Endpoint"
	case RequestRecipientOther:
		recip = "Other"
	}
	return fmt.Sprintf("SETUP[%s %s %s] Request=0x%02X Value=0x%04X Index=0x%04X Length=%d",
		dir, reqType, recip, s.Request, s.Value, s.Index, s.Length)
}

// DeliverSetup initializes out as a vendor request carrying length bytes of
// request frame to the device.
func DeliverSetup(out *SetupPacket, length uint16) {
	out.RequestType = RequestDirectionHostToDevice | RequestTypeVendor | RequestRecipientDevice
	out.Request = RequestDeliver
	out.Value = 0
	out.Index = 0
	out.Length = length
}

// CollectSetup initializes out as a vendor request for the pending response
// frame, accepting up to length bytes.
func CollectSetup(out *SetupPacket, length uint16) {
	out.RequestType = RequestDirectionDeviceToHost | RequestTypeVendor | RequestRecipientDevice
	out.Request = RequestCollect
	out.Value = 0
	out.Index = 0
	out.Length = length
}

// DetachSetup initializes out as a DFU_DETACH request to interface iface.
func DetachSetup(out *SetupPacket, iface uint16, timeout uint16) {
	out.RequestType = RequestDirectionHostToDevice | RequestTypeClass | RequestRecipientInterface
	out.Request = DFURequestDetach
	out.Value = timeout
	out.Index = iface
	out.Length = 0
}

// GetStatusSetup initializes out as a DFU_GETSTATUS request to interface iface.
func GetStatusSetup(out *SetupPacket, iface uint16) {
	out.RequestType = RequestDirectionDeviceToHost | RequestTypeClass | RequestRecipientInterface
	out.Request = DFURequestGetStatus
	out.Value = 0
	out.Index = iface
	out.Length = DFUStatusSize
}

// SetInterfaceSetup initializes out as a SET_INTERFACE setup packet.
func SetInterfaceSetup(out *SetupPacket, interfaceNum, alternateSetting uint8) {
	out.RequestType = RequestDirectionHostToDevice | RequestTypeStandard | RequestRecipientInterface
	out.Request = RequestSetInterface
	out.Value = uint16(alternateSetting)
	out.Index = uint16(interfaceNum)
	out.Length = 0
}

// GetInterfaceSetup initializes out as a GET_INTERFACE setup packet.
func GetInterfaceSetup(out *SetupPacket, interfaceNum uint8) {
	out.RequestType = RequestDirectionDeviceToHost | RequestTypeStandard | RequestRecipientInterface
	out.Request = RequestGetInterface
	out.Value = 0
	out.Index = uint16(interfaceNum)
	out.Length = 1
}
