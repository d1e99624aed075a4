// Package device defines the vocabulary shared by the BLE proxies and the hardware adapters.
//
// It covers:
//   - Radio and connection states (ManagerState, PeripheralState)
//   - The proxy error taxonomy (ProxyError and its sentinels)
//   - UUID normalization and characteristic keys
//   - Read cache policies
//   - The command/delegate interfaces a hardware backend implements
package device
