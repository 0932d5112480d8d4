package usbip

import (
	"encoding/hex"
	"testing"
)

func TestConfigDescriptorUnmarshal(t *testing.T) {
	tests := []struct {
		name     string
		data     string // hex encoded
		wantErr  bool
		validate func(t *testing.T, c *ConfigDescriptor)
	}{
		{
			name: "simple_config_with_one_interface",
			data: "09022000010100c032" +
				"0904000002ff010000" +
				"0705810240000a" +
				"0705020240000a",
			validate: func(t *testing.T, c *ConfigDescriptor) {
				if c.ConfigurationValue != 1 {
					t.Errorf("ConfigurationValue = %d, want 1", c.ConfigurationValue)
				}
				if c.MaxPower != 0x32 {
					t.Errorf("MaxPower = %d, want 50 (100mA)", c.MaxPower)
				}
				if len(c.Interfaces) != 1 {
					t.Fatalf("len(Interfaces) = %d, want 1", len(c.Interfaces))
				}
				if len(c.Interfaces[0].AltSettings) != 1 {
					t.Fatalf("len(AltSettings) = %d, want 1", len(c.Interfaces[0].AltSettings))
				}
				alt := c.Interfaces[0].AltSettings[0]
				if len(alt.Endpoints) != 2 {
					t.Fatalf("len(Endpoints) = %d, want 2", len(alt.Endpoints))
				}
				ep1 := alt.Endpoints[0]
				if ep1.EndpointAddr != 0x81 {
					t.Errorf("Endpoint[0].EndpointAddr = %02x, want 0x81", ep1.EndpointAddr)
				}
				if !ep1.IsInput() {
					t.Error("Endpoint[0] should be IN endpoint")
				}
				if ep1.TransferType() != TransferBulk {
					t.Errorf("Endpoint[0] transfer type = %v, want bulk", ep1.TransferType())
				}
				ep2 := alt.Endpoints[1]
				if ep2.EndpointAddr != 0x02 {
					t.Errorf("Endpoint[1].EndpointAddr = %02x, want 0x02", ep2.EndpointAddr)
				}
				if !ep2.IsOutput() {
					t.Error("Endpoint[1] should be OUT endpoint")
				}
			},
		},
		{
			name: "config_with_multiple_alt_settings",
			data: "09023b00020100c032" +
				"09040000010e010000" +
				"0705830308000a" +
				"09040100000e020000" +
				"09040101010e020000" +
				"0705810500020001",
			validate: func(t *testing.T, c *ConfigDescriptor) {
				if len(c.Interfaces) != 2 {
					t.Fatalf("len(Interfaces) = %d, want 2", len(c.Interfaces))
				}
				if len(c.Interfaces[0].AltSettings) != 1 {
					t.Errorf("Interface[0] AltSettings = %d, want 1", len(c.Interfaces[0].AltSettings))
				}
				if len(c.Interfaces[1].AltSettings) != 2 {
					t.Fatalf("Interface[1] AltSettings = %d, want 2", len(c.Interfaces[1].AltSettings))
				}
				if len(c.Interfaces[1].AltSettings[0].Endpoints) != 0 {
					t.Errorf("Interface[1].AltSettings[0] endpoints = %d, want 0",
						len(c.Interfaces[1].AltSettings[0].Endpoints))
				}
				if len(c.Interfaces[1].AltSettings[1].Endpoints) != 1 {
					t.Fatalf("Interface[1].AltSettings[1] endpoints = %d, want 1",
						len(c.Interfaces[1].AltSettings[1].Endpoints))
				}
				ep := c.Interfaces[1].AltSettings[1].Endpoints[0]
				if ep.TransferType() != TransferIsochronous {
					t.Errorf("Endpoint transfer type = %v, want isochronous", ep.TransferType())
				}
			},
		},
		{
			name: "config_with_class_specific_descriptors",
			data: "09024300020100c032" +
				"0904000001030100" + "00" +
				"0921110100012234" +
				"0705810340000a" +
				"0904010002080650" + "00" +
				"0705820240000a" +
				"0705830240000a",
			validate: func(t *testing.T, c *ConfigDescriptor) {
				extra := c.Interfaces[0].AltSettings[0].Extra
				if len(extra) < 9 || extra[0] != 0x09 || extra[1] != 0x21 {
					t.Errorf("Invalid HID descriptor in Extra: %x", extra)
				}
			},
		},
		{
			name: "config_with_interface_association",
			data: "09024b00030100c032" +
				"080b00020e030000" +
				"0904000001ff0100" +
				"0705810308000a" +
				"0904010000ff0200" +
				"0904020001030100" +
				"0705820308000a",
			validate: func(t *testing.T, c *ConfigDescriptor) {
				if len(c.Extra) < 8 {
					t.Fatal("Expected IAD in config Extra")
				}
				if c.Extra[0] != 0x08 || c.Extra[1] != 0x0b {
					t.Errorf("Invalid IAD in Extra: %x", c.Extra)
				}
			},
		},
		{
			name: "config_with_superspeed_companion",
			data: "09022e00010100c032" +
				"0904000002ff010000" +
				"0705810240000a" +
				"063000000000" +
				"0705020240000a",
			validate: func(t *testing.T, c *ConfigDescriptor) {
				ep := c.Interfaces[0].AltSettings[0].Endpoints[0]
				if ep.SSCompanion == nil {
					t.Fatal("Expected SuperSpeed companion descriptor")
				}
				if ep.SSCompanion.DescriptorType != DescriptorTypeSuperSpeedEndpointCompanion {
					t.Errorf("Wrong companion descriptor type: %02x", ep.SSCompanion.DescriptorType)
				}
			},
		},
		{
			name:    "config_too_short",
			data:    "090220",
			wantErr: true,
		},
		{
			name:    "interface_descriptor_too_short",
			data:    "09022000010100c032" + "07040000000ff0",
			wantErr: true,
		},
		{
			name:    "endpoint_descriptor_too_short",
			data:    "09022000010100c032" + "0904000001ff010000" + "05058102ff",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := hex.DecodeString(tt.data)
			if err != nil {
				t.Fatalf("Failed to decode hex: %v", err)
			}

			c := &ConfigDescriptor{}
			err = c.Unmarshal(data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Unmarshal() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tt.validate != nil {
				tt.validate(t, c)
			}
		})
	}
}

func TestConfigDescriptorRoundTrip(t *testing.T) {
	data, err := hex.DecodeString(
		"09022000010100c032" +
			"0904000002ff010000" +
			"0705810240000a" +
			"0705020240000a")
	if err != nil {
		t.Fatalf("decode hex: %v", err)
	}

	c := &ConfigDescriptor{}
	if err := c.Unmarshal(data); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	reencoded := c.Bytes()

	c2 := &ConfigDescriptor{}
	if err := c2.Unmarshal(reencoded); err != nil {
		t.Fatalf("Unmarshal(Bytes()): %v", err)
	}
	if c2.ConfigurationValue != c.ConfigurationValue {
		t.Errorf("ConfigurationValue changed across round trip: %d != %d", c2.ConfigurationValue, c.ConfigurationValue)
	}
	if len(c2.Interfaces) != len(c.Interfaces) {
		t.Fatalf("Interfaces count changed across round trip: %d != %d", len(c2.Interfaces), len(c.Interfaces))
	}
	if len(c2.Interfaces[0].AltSettings[0].Endpoints) != len(c.Interfaces[0].AltSettings[0].Endpoints) {
		t.Errorf("endpoint count changed across round trip")
	}
}

func TestConfigDescriptorHelpers(t *testing.T) {
	data, _ := hex.DecodeString(
		"09023b00020100c032" +
			"09040000010e010000" +
			"0705830308000a" +
			"09040100000e020000" +
			"09040101010e020000" +
			"0705810500020001")

	c := &ConfigDescriptor{}
	if err := c.Unmarshal(data); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}

	t.Run("Interface", func(t *testing.T) {
		if c.Interface(0) == nil {
			t.Error("Interface(0) returned nil")
		}
		if c.Interface(1) == nil {
			t.Error("Interface(1) returned nil")
		}
		if c.Interface(2) != nil {
			t.Error("Interface(2) should return nil")
		}
	})

	t.Run("InterfaceAltSetting", func(t *testing.T) {
		alt := c.InterfaceAltSetting(1, 0)
		if alt == nil {
			t.Fatal("InterfaceAltSetting(1, 0) returned nil")
		}
		if alt.AlternateSetting != 0 {
			t.Errorf("Wrong alt setting: %d", alt.AlternateSetting)
		}

		alt = c.InterfaceAltSetting(1, 1)
		if alt == nil {
			t.Fatal("InterfaceAltSetting(1, 1) returned nil")
		}
		if alt.AlternateSetting != 1 {
			t.Errorf("Wrong alt setting: %d", alt.AlternateSetting)
		}

		if c.InterfaceAltSetting(1, 2) != nil {
			t.Error("InterfaceAltSetting(1, 2) should return nil")
		}
	})

	t.Run("FindEndpoint", func(t *testing.T) {
		ep := c.FindEndpoint(0x83)
		if ep == nil {
			t.Fatal("FindEndpoint(0x83) returned nil")
		}
		if ep.EndpointAddr != 0x83 {
			t.Errorf("Wrong endpoint: %02x", ep.EndpointAddr)
		}

		if c.FindEndpoint(0x81) == nil {
			t.Error("FindEndpoint(0x81) returned nil")
		}
		if c.FindEndpoint(0x99) != nil {
			t.Error("FindEndpoint(0x99) should return nil")
		}
	})
}

func TestEndpointHelpers(t *testing.T) {
	tests := []struct {
		name     string
		endpoint Endpoint
		wantIn   bool
		wantOut  bool
		wantNum  uint8
		wantType TransferType
	}{
		{"bulk_in_ep1", Endpoint{EndpointAddr: 0x81, Attributes: 0x02}, true, false, 1, TransferBulk},
		{"bulk_out_ep2", Endpoint{EndpointAddr: 0x02, Attributes: 0x02}, false, true, 2, TransferBulk},
		{"interrupt_in_ep3", Endpoint{EndpointAddr: 0x83, Attributes: 0x03}, true, false, 3, TransferInterrupt},
		{"isochronous_out_ep4", Endpoint{EndpointAddr: 0x04, Attributes: 0x01}, false, true, 4, TransferIsochronous},
		{"control_ep0", Endpoint{EndpointAddr: 0x00, Attributes: 0x00}, false, true, 0, TransferControl},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.endpoint.IsInput(); got != tt.wantIn {
				t.Errorf("IsInput() = %v, want %v", got, tt.wantIn)
			}
			if got := tt.endpoint.IsOutput(); got != tt.wantOut {
				t.Errorf("IsOutput() = %v, want %v", got, tt.wantOut)
			}
			if got := tt.endpoint.EndpointNumber(); got != tt.wantNum {
				t.Errorf("EndpointNumber() = %d, want %d", got, tt.wantNum)
			}
			if got := tt.endpoint.TransferType(); got != tt.wantType {
				t.Errorf("TransferType() = %v, want %v", got, tt.wantType)
			}
		})
	}
}

func TestDeviceDescriptorRoundTrip(t *testing.T) {
	d := DeviceDescriptor{
		USBVersion:        0x0200,
		DeviceClass:       0xff,
		MaxPacketSize0:    64,
		VendorID:          0x1209,
		ProductID:         0xabcd,
		DeviceVersion:     0x0100,
		NumConfigurations: 1,
	}

	b := d.Bytes()
	if len(b) != 18 {
		t.Fatalf("Bytes() length = %d, want 18", len(b))
	}

	got, err := UnmarshalDeviceDescriptor(b)
	if err != nil {
		t.Fatalf("UnmarshalDeviceDescriptor: %v", err)
	}
	if got != d {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, d)
	}

	if _, err := UnmarshalDeviceDescriptor(b[:10]); err == nil {
		t.Error("expected error for short device descriptor")
	}
}
