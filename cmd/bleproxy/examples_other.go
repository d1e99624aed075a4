//go:build !darwin

package main

const (
	exampleDeviceAddress = "aa:bb:cc:dd:ee:ff"
	deviceAddressNote    = "Peripheral address format: MAC address, case-insensitive\n  Use 'bleproxy scan' to discover peripherals"
)
