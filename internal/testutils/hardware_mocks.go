//go:build test

package testutils

import (
	"sync"
	"testing"

	"github.com/srg/bleproxy/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockCentralHardware is a testify mock of device.CentralHardware. Commands only record
// the call; tests play the hardware by calling the delegate methods directly.
type MockCentralHardware struct {
	mock.Mock

	mu       sync.Mutex
	delegate device.CentralDelegate
}

// NewMockCentralHardware returns a mock reporting state, with every expectation
// verified at test cleanup.
func NewMockCentralHardware(t *testing.T, state device.ManagerState) *MockCentralHardware {
	m := &MockCentralHardware{}
	m.Test(t)
	m.On("State").Return(state).Maybe()
	m.On("SetDelegate", mock.Anything).Return().Maybe()
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// Delegate returns the delegate registered by the proxy.
func (m *MockCentralHardware) Delegate() device.CentralDelegate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delegate
}

func (m *MockCentralHardware) State() device.ManagerState {
	return m.Called().Get(0).(device.ManagerState)
}

func (m *MockCentralHardware) SetDelegate(d device.CentralDelegate) {
	m.mu.Lock()
	m.delegate = d
	m.mu.Unlock()
	m.Called(d)
}

func (m *MockCentralHardware) Connect(peripheralID string, opts device.ConnectOptions) {
	m.Called(peripheralID, opts)
}

func (m *MockCentralHardware) CancelConnection(peripheralID string) {
	m.Called(peripheralID)
}

func (m *MockCentralHardware) ScanForPeripherals(services []string, allowDuplicates bool) {
	m.Called(services, allowDuplicates)
}

func (m *MockCentralHardware) StopScan() {
	m.Called()
}

func (m *MockCentralHardware) IsScanning() bool {
	return m.Called().Bool(0)
}

func (m *MockCentralHardware) RetrievePeripherals(ids []string) []device.PeripheralHardware {
	args := m.Called(ids)
	if v, ok := args.Get(0).([]device.PeripheralHardware); ok {
		return v
	}
	return nil
}

// MockPeripheralHardware is a testify mock of device.PeripheralHardware. Identity and
// the discovered service table are plain fields; commands go through the mock.
type MockPeripheralHardware struct {
	mock.Mock

	ID   string
	Nick string

	mu       sync.Mutex
	services []device.Service
	delegate device.PeripheralDelegate
}

func NewMockPeripheralHardware(t *testing.T, id string) *MockPeripheralHardware {
	m := &MockPeripheralHardware{ID: id}
	m.Test(t)
	m.On("SetDelegate", mock.Anything).Return().Maybe()
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// SetServices replaces what the hardware reports as discovered.
func (m *MockPeripheralHardware) SetServices(services ...device.Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = services
}

func (m *MockPeripheralHardware) Delegate() device.PeripheralDelegate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delegate
}

func (m *MockPeripheralHardware) Identifier() string {
	return m.ID
}

func (m *MockPeripheralHardware) Name() string {
	return m.Nick
}

func (m *MockPeripheralHardware) SetDelegate(d device.PeripheralDelegate) {
	m.mu.Lock()
	m.delegate = d
	m.mu.Unlock()
	m.Called(d)
}

func (m *MockPeripheralHardware) DiscoverServices(ids []string) {
	m.Called(ids)
}

func (m *MockPeripheralHardware) DiscoverCharacteristics(ids []string, service string) {
	m.Called(ids, service)
}

func (m *MockPeripheralHardware) Services() []device.Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]device.Service(nil), m.services...)
}

func (m *MockPeripheralHardware) ReadValue(key device.CharacteristicKey) {
	m.Called(key)
}

func (m *MockPeripheralHardware) WriteValue(data []byte, key device.CharacteristicKey, writeType device.WriteType) {
	m.Called(data, key, writeType)
}

func (m *MockPeripheralHardware) SetNotifyValue(enabled bool, key device.CharacteristicKey) {
	m.Called(enabled, key)
}

func (m *MockPeripheralHardware) ReadRSSI() {
	m.Called()
}

func (m *MockPeripheralHardware) MaximumWriteValueLength(writeType device.WriteType) int {
	return m.Called(writeType).Int(0)
}

// MockPeripheralManagerHardware is a testify mock of device.PeripheralManagerHardware.
type MockPeripheralManagerHardware struct {
	mock.Mock

	mu       sync.Mutex
	delegate device.PeripheralManagerDelegate
}

func NewMockPeripheralManagerHardware(t *testing.T, state device.ManagerState) *MockPeripheralManagerHardware {
	m := &MockPeripheralManagerHardware{}
	m.Test(t)
	m.On("State").Return(state).Maybe()
	m.On("SetDelegate", mock.Anything).Return().Maybe()
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockPeripheralManagerHardware) Delegate() device.PeripheralManagerDelegate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delegate
}

func (m *MockPeripheralManagerHardware) State() device.ManagerState {
	return m.Called().Get(0).(device.ManagerState)
}

func (m *MockPeripheralManagerHardware) SetDelegate(d device.PeripheralManagerDelegate) {
	m.mu.Lock()
	m.delegate = d
	m.mu.Unlock()
	m.Called(d)
}

func (m *MockPeripheralManagerHardware) StartAdvertising(payload device.AdvertisingPayload) {
	m.Called(payload)
}

func (m *MockPeripheralManagerHardware) StopAdvertising() {
	m.Called()
}

func (m *MockPeripheralManagerHardware) IsAdvertising() bool {
	return m.Called().Bool(0)
}

func (m *MockPeripheralManagerHardware) AddService(def device.ServiceDefinition) {
	m.Called(def)
}

func (m *MockPeripheralManagerHardware) RemoveService(uuid string) {
	m.Called(uuid)
}

func (m *MockPeripheralManagerHardware) RemoveAllServices() {
	m.Called()
}
