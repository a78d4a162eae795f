package usb

import (
	"encoding/binary"
	"fmt"
)

// ConfigDescriptor is a parsed USB configuration descriptor together
// with every interface, alternate setting, and endpoint nested beneath
// it in the raw descriptor byte stream.
type ConfigDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8

	Interfaces []Interface

	// Extra holds descriptor bytes this parser did not recognize,
	// preserved verbatim rather than dropped.
	Extra []byte
}

// Interface groups every alternate setting advertised for one
// interface number.
type Interface struct {
	AltSettings []InterfaceAltSetting
}

// InterfaceAltSetting is one interface descriptor and the endpoints
// that follow it, up to the next interface or the end of the
// configuration.
type InterfaceAltSetting struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8

	Endpoints []EndpointDescriptor
	Extra     []byte
}

// EndpointDescriptor is a parsed endpoint descriptor. It is distinct
// from Endpoint, which is just the wire-format address byte; this type
// carries the full descriptor record enumeration produces.
type EndpointDescriptor struct {
	Length         uint8
	DescriptorType uint8
	EndpointAddr   uint8
	Attributes     uint8
	MaxPacketSize  uint16
	Interval       uint8

	SSCompanion *SuperSpeedEndpointCompanionDescriptor
	Extra       []byte
}

// Unmarshal parses a raw configuration descriptor byte stream,
// classifying each nested descriptor by type and collecting anything
// it does not recognize into Extra rather than discarding it.
func (c *ConfigDescriptor) Unmarshal(data []byte) error {
	if len(data) < 9 {
		return fmt.Errorf("config descriptor too short: %d bytes", len(data))
	}

	c.Length = data[0]
	c.DescriptorType = data[1]
	c.TotalLength = binary.LittleEndian.Uint16(data[2:4])
	c.NumInterfaces = data[4]
	c.ConfigurationValue = data[5]
	c.ConfigurationIndex = data[6]
	c.Attributes = data[7]
	c.MaxPower = data[8]

	interfaceOrder := make([]uint8, 0, c.NumInterfaces)
	interfaceMap := make(map[uint8]*Interface)

	var currentInterface *InterfaceAltSetting
	var currentEndpoints []EndpointDescriptor
	var extraBuffer []byte

	flush := func() {
		if currentInterface == nil {
			return
		}
		currentInterface.Endpoints = currentEndpoints
		currentInterface.Extra = extraBuffer
		if _, exists := interfaceMap[currentInterface.InterfaceNumber]; !exists {
			interfaceMap[currentInterface.InterfaceNumber] = &Interface{}
			interfaceOrder = append(interfaceOrder, currentInterface.InterfaceNumber)
		}
		iface := interfaceMap[currentInterface.InterfaceNumber]
		iface.AltSettings = append(iface.AltSettings, *currentInterface)
		extraBuffer = nil
		currentEndpoints = nil
	}

	pos := 9
	for pos < len(data) {
		if pos+2 > len(data) {
			break
		}
		length := int(data[pos])
		descType := data[pos+1]
		if length == 0 || pos+length > len(data) {
			break
		}

		switch descType {
		case USB_DT_INTERFACE:
			flush()
			if length < 9 {
				return fmt.Errorf("interface descriptor too short: %d bytes", length)
			}
			iface := InterfaceAltSetting{
				Length:            data[pos],
				DescriptorType:    data[pos+1],
				InterfaceNumber:   data[pos+2],
				AlternateSetting:  data[pos+3],
				NumEndpoints:      data[pos+4],
				InterfaceClass:    data[pos+5],
				InterfaceSubClass: data[pos+6],
				InterfaceProtocol: data[pos+7],
				InterfaceIndex:    data[pos+8],
			}
			currentInterface = &iface
			currentEndpoints = make([]EndpointDescriptor, 0, iface.NumEndpoints)

		case USB_DT_ENDPOINT:
			if length < 7 {
				return fmt.Errorf("endpoint descriptor too short: %d bytes", length)
			}
			ep := EndpointDescriptor{
				Length:         data[pos],
				DescriptorType: data[pos+1],
				EndpointAddr:   data[pos+2],
				Attributes:     data[pos+3],
				MaxPacketSize:  binary.LittleEndian.Uint16(data[pos+4 : pos+6]),
				Interval:       data[pos+6],
			}
			nextPos := pos + length
			if nextPos+2 <= len(data) && data[nextPos+1] == USB_DT_SS_ENDPOINT_COMP {
				companionLen := int(data[nextPos])
				if nextPos+companionLen <= len(data) && companionLen >= 6 {
					ep.SSCompanion = &SuperSpeedEndpointCompanionDescriptor{
						Length:           data[nextPos],
						DescriptorType:   data[nextPos+1],
						MaxBurst:         data[nextPos+2],
						Attributes:       data[nextPos+3],
						BytesPerInterval: binary.LittleEndian.Uint16(data[nextPos+4 : nextPos+6]),
					}
					pos = nextPos
					length = companionLen
				}
			}
			if currentInterface == nil {
				c.Extra = append(c.Extra, data[pos:pos+length]...)
			} else {
				currentEndpoints = append(currentEndpoints, ep)
			}

		default:
			if currentInterface != nil {
				extraBuffer = append(extraBuffer, data[pos:pos+length]...)
			} else {
				c.Extra = append(c.Extra, data[pos:pos+length]...)
			}
		}

		pos += length
	}
	flush()

	c.Interfaces = make([]Interface, 0, len(interfaceOrder))
	for _, num := range interfaceOrder {
		c.Interfaces = append(c.Interfaces, *interfaceMap[num])
	}
	return nil
}

// GetInterface returns the interface with the given number, or nil.
func (c *ConfigDescriptor) GetInterface(interfaceNumber uint8) *Interface {
	for i := range c.Interfaces {
		if len(c.Interfaces[i].AltSettings) > 0 &&
			c.Interfaces[i].AltSettings[0].InterfaceNumber == interfaceNumber {
			return &c.Interfaces[i]
		}
	}
	return nil
}

// GetInterfaceAltSetting returns a specific alternate setting of an
// interface, or nil.
func (c *ConfigDescriptor) GetInterfaceAltSetting(interfaceNumber, altSetting uint8) *InterfaceAltSetting {
	iface := c.GetInterface(interfaceNumber)
	if iface == nil {
		return nil
	}
	for i := range iface.AltSettings {
		if iface.AltSettings[i].AlternateSetting == altSetting {
			return &iface.AltSettings[i]
		}
	}
	return nil
}

// FindEndpoint finds an endpoint by address across every interface and
// alternate setting in the configuration.
func (c *ConfigDescriptor) FindEndpoint(endpointAddress uint8) *EndpointDescriptor {
	for _, iface := range c.Interfaces {
		for _, alt := range iface.AltSettings {
			for i := range alt.Endpoints {
				if alt.Endpoints[i].EndpointAddr == endpointAddress {
					return &alt.Endpoints[i]
				}
			}
		}
	}
	return nil
}

// Endpoint returns the wire-format Endpoint address for this
// descriptor record.
func (e *EndpointDescriptor) Endpoint() Endpoint {
	return Endpoint(e.EndpointAddr)
}

// IsInput reports whether this descriptor's address is an IN endpoint.
func (e *EndpointDescriptor) IsInput() bool {
	return e.EndpointAddr&0x80 != 0
}

// IsOutput reports whether this descriptor's address is an OUT
// endpoint.
func (e *EndpointDescriptor) IsOutput() bool {
	return !e.IsInput()
}

// EndpointNumber returns the endpoint number, stripped of its
// direction bit.
func (e *EndpointDescriptor) EndpointNumber() uint8 {
	return e.EndpointAddr & 0x0f
}

// TransferType returns the transfer type bits (Control, Isochronous,
// Bulk, or Interrupt) from the endpoint's bmAttributes.
func (e *EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}
