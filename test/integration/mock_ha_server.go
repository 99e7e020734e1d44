// Package integration runs the service end to end against a mock Home
// Assistant and a fake api.weather.gov.
package integration

import (
	"nwsdetailedforecast/pkg/testutil"
)

type MockHAServer = testutil.MockHAServer
type ServiceCall = testutil.ServiceCall

var NewMockHAServer = testutil.NewMockHAServer

var FilterServiceCalls = testutil.FilterServiceCalls
var FilterStateWrites = testutil.FilterStateWrites
