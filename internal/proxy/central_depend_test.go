//go:build test

// Code generated by dependgen — DO NOT EDIT.
package proxy_test

import "github.com/srgg/testify/depend"

var CentralTestSuiteTestRegistry = map[string]func(any){
	"TestConnect": func(s any) { s.(*CentralTestSuite).TestConnect() },
	"TestConnectJoin": func(s any) { s.(*CentralTestSuite).TestConnectJoin() },
	"TestConnectTimeout": func(s any) { s.(*CentralTestSuite).TestConnectTimeout() },
	"TestConnectTimeoutFailsAllWaiters": func(s any) { s.(*CentralTestSuite).TestConnectTimeoutFailsAllWaiters() },
	"TestReconnectAfterTimeout": func(s any) { s.(*CentralTestSuite).TestReconnectAfterTimeout() },
	"TestLateSuccessAfterTimeout": func(s any) { s.(*CentralTestSuite).TestLateSuccessAfterTimeout() },
	"TestConnectWhileDisconnecting": func(s any) { s.(*CentralTestSuite).TestConnectWhileDisconnecting() },
	"TestDisconnectDuringConnect": func(s any) { s.(*CentralTestSuite).TestDisconnectDuringConnect() },
	"TestDisconnect": func(s any) { s.(*CentralTestSuite).TestDisconnect() },
	"TestCallerCancellation": func(s any) { s.(*CentralTestSuite).TestCallerCancellation() },
	"TestAlreadyCancelledContext": func(s any) { s.(*CentralTestSuite).TestAlreadyCancelledContext() },
	"TestStateLoss": func(s any) { s.(*CentralTestSuite).TestStateLoss() },
	"TestStateLossSatisfiesDisconnect": func(s any) { s.(*CentralTestSuite).TestStateLossSatisfiesDisconnect() },
	"TestWaitUntilReady": func(s any) { s.(*CentralTestSuite).TestWaitUntilReady() },
	"TestStateEvents": func(s any) { s.(*CentralTestSuite).TestStateEvents() },
	"TestClose": func(s any) { s.(*CentralTestSuite).TestClose() },
	"TestRetrievePeripheral": func(s any) { s.(*CentralTestSuite).TestRetrievePeripheral() },
}

var CentralTestSuiteTestOrder = []string{
	"TestConnect",
	"TestConnectJoin",
	"TestConnectTimeout",
	"TestConnectTimeoutFailsAllWaiters",
	"TestReconnectAfterTimeout",
	"TestLateSuccessAfterTimeout",
	"TestConnectWhileDisconnecting",
	"TestDisconnectDuringConnect",
	"TestDisconnect",
	"TestCallerCancellation",
	"TestAlreadyCancelledContext",
	"TestStateLoss",
	"TestStateLossSatisfiesDisconnect",
	"TestWaitUntilReady",
	"TestStateEvents",
	"TestClose",
	"TestRetrievePeripheral",
}

var CentralTestSuiteDependencies = depend.Depends(func(s any) *depend.Dep {
	dep := new(depend.Dep)
	return dep
})

// GeneratedDependConfig returns the dependency configuration for CentralTestSuite.
// This method allows CentralTestSuite to be used with depend.RunSuite(t, suite).
// DO NOT implement this method manually - it is auto-generated.
func (s *CentralTestSuite) GeneratedDependConfig() *depend.SuiteConfig {
	return &depend.SuiteConfig{
		Registry: CentralTestSuiteTestRegistry,
		Order:    CentralTestSuiteTestOrder,
		Deps:     CentralTestSuiteDependencies,
	}
}
