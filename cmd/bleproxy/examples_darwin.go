//go:build darwin

package main

const (
	exampleDeviceAddress = "01234567-89ab-cdef-0123-456789abcdef"
	deviceAddressNote    = "Peripheral address format: the 128-bit identifier CoreBluetooth assigns\n  Use 'bleproxy scan' to discover peripherals"
)
